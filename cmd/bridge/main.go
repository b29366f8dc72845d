// Command bridge is the real entrypoint: it wires component F (the CPP
// framed JSON-RPC server) over stdio, driving component E for whatever
// backend the caller selects, spawning component B's subprocess (or, for
// the embedded `claude-code` case, component D in-process) as needed.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/m4xw311/cpp-acp-bridge/config"
	"github.com/m4xw311/cpp-acp-bridge/cppserver"
	"github.com/m4xw311/cpp-acp-bridge/logging"
	"github.com/m4xw311/cpp-acp-bridge/proxy"
	"github.com/m4xw311/cpp-acp-bridge/transport"
)

// backendArgsFlag collects repeated -backend-args flags in order.
type backendArgsFlag []string

func (f *backendArgsFlag) String() string { return strings.Join(*f, " ") }
func (f *backendArgsFlag) Set(v string) error {
	*f = append(*f, v)
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	headlessFlag := flag.Bool("headless", false, "run with no interactive terminal (always true for this bridge)")
	serverFlag := flag.Bool("server", false, "accepted for compatibility; has no effect (the bridge always serves one framed stream on stdio)")
	stdioFlag := flag.Bool("stdio", false, "speak the framed protocol on stdin/stdout (default, and the only supported transport)")
	portFlag := flag.Int("port", 0, "reserved for a future TCP transport; any value > 0 is an error")
	logLevelFlag := flag.String("log-level", "", "none|error|warning|info|debug|all (overrides config and ACP_PROXY_LOG_LEVEL)")
	authTokenEnvFlag := flag.String("auth-token-env", "", "environment variable name holding an auth token; its value, if set, is exported as ANTHROPIC_API_KEY")
	noAutoLoginFlag := flag.Bool("no-auto-login", false, "skip any backend auto-login flow (currently a no-op; no backend in this bridge attempts one)")
	backendFlag := flag.String("backend", "", "ACP backend identifier (gemini, claude-code, claude-code-acp, copilot)")
	cwdFlag := flag.String("cwd", "", "default working directory for new sessions")
	var backendArgs backendArgsFlag
	flag.Var(&backendArgs, "backend-args", "extra argument to append to the backend launch command (repeatable)")
	flag.Parse()

	_ = headlessFlag
	_ = serverFlag
	_ = stdioFlag
	_ = noAutoLoginFlag

	if *portFlag > 0 {
		fmt.Fprintln(os.Stderr, "--port is not yet supported")
		return 1
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading configuration: %+v\n", err)
		return 1
	}
	if *backendFlag != "" {
		cfg.Backend = *backendFlag
	}
	if *cwdFlag != "" {
		cfg.Workspace = *cwdFlag
	}
	if len(backendArgs) > 0 {
		cfg.BackendArgs = append(append([]string{}, cfg.BackendArgs...), backendArgs...)
	}
	if *logLevelFlag != "" {
		cfg.LogLevel = *logLevelFlag
	}
	if *authTokenEnvFlag != "" {
		if tok := os.Getenv(*authTokenEnvFlag); tok != "" {
			os.Setenv("ANTHROPIC_API_KEY", tok)
		}
	}

	log := logging.Default("bridge", logging.ParseLevel(cfg.LogLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	manager := proxy.New(cfg, log)
	defer manager.CloseAll()

	conn := transport.NewConn(os.Stdin, os.Stdout, bridgeTransportLogger{log})
	server := cppserver.New(conn, manager, cfg, log)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ctx) }()

	select {
	case <-ctx.Done():
		return 0
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "bridge exited: %+v\n", err)
			return 1
		}
		return 0
	}
}

type bridgeTransportLogger struct{ log *logging.Logger }

func (t bridgeTransportLogger) Warning(format string, a ...interface{}) {
	if t.log != nil {
		t.log.Warning(format, a...)
	}
}
func (t bridgeTransportLogger) Debug(format string, a ...interface{}) {
	if t.log != nil {
		t.log.Debug(format, a...)
	}
}
