package config

import (
	"os"
	"path/filepath"

	"github.com/m4xw311/cpp-acp-bridge/errors"
	"gopkg.in/yaml.v3"
)

// FilesystemAccess restricts what the embedded assistant's own
// filesystem tools (tools package) will read or write. fs/* reverse
// calls serviced by component C (fileterm) are not checked against it.
type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

// MCPServer is the ACP stub's list form: {name, command, args, env}.
type MCPServer struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// CopilotMCPServer is the alternate map-keyed form some CPP clients
// send: {name: {type, command, args, env}}. proxy.ConvertMCPServers
// turns this into the ACP list form.
type CopilotMCPServer struct {
	Type    string            `yaml:"type"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

type Toolset struct {
	Name  string   `yaml:"name"`
	Tools []string `yaml:"tools"`
}

// Config is the bridge's static configuration: embedded-assistant
// selection, backend launch defaults, and the tool/filesystem policy
// applied to the embedded assistant's tools.
type Config struct {
	LLMClient            string           `yaml:"llm"`
	Model                string           `yaml:"model"`
	Toolsets             []Toolset        `yaml:"toolsets"`
	AdditionalMCPServers []MCPServer      `yaml:"additional_mcp_servers"`
	AllowedCommands      []string         `yaml:"allowed_commands"`
	FilesystemAccess     FilesystemAccess `yaml:"filesystem_access"`

	// Backend is the default ACP backend identifier (gemini,
	// claude-code, claude-code-acp, copilot) used when a CPP
	// session.create omits one. Overridden by ACP_PROXY_BACKEND.
	Backend string `yaml:"backend"`
	// BackendCommand maps a backend identifier to the binary used to
	// launch it, e.g. {"gemini": "gemini", "copilot": "copilot"}.
	BackendCommand map[string]string `yaml:"backend_command"`
	// BackendArgs are extra arguments appended after the
	// backend-specific flags computed by proxy.BackendFlags.
	BackendArgs []string `yaml:"backend_args"`
	// Workspace is the default working directory for new sessions
	// when a CPP client omits workingDirectory.
	Workspace string `yaml:"workspace"`
	// DefaultPermissionMode is loaded from YAML but not read anywhere
	// in the bridge; new ACP sessions always start in "default" mode.
	DefaultPermissionMode string `yaml:"default_permission_mode"`
	// DisableDedup turns off the streaming-dedup heuristic in
	// acpagent, per the spec's note that it should be toggleable.
	DisableDedup bool `yaml:"disable_dedup"`
	// LogLevel is one of none/error/warning/info/debug/all.
	// Overridden by ACP_PROXY_LOG_LEVEL.
	LogLevel string `yaml:"log_level"`
}

const configDirName = ".cpp-acp-bridge"

// LoadConfig loads configuration from the user's home directory and the current
// working directory, with the latter taking precedence, then applies
// environment overrides (ACP_PROXY_BACKEND, ACP_PROXY_LOG_LEVEL).
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Backend:  "gemini",
		LogLevel: "warning",
	}
	cfg.FilesystemAccess.Hidden = append(cfg.FilesystemAccess.Hidden, configDirName, configDirName+"/**")

	home, err := os.UserHomeDir()
	if err == nil {
		userConfigPath := filepath.Join(home, configDirName, "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, configDirName, "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	if v := os.Getenv("ACP_PROXY_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("ACP_PROXY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Note: Unmarshal will overwrite fields present in the YAML. This provides
	// a simple merge where project-level config replaces user-level.
	// A more sophisticated merge could be implemented if needed.
	return yaml.Unmarshal(data, cfg)
}

// GetToolset finds a toolset by name. Returns the "default" toolset if the
// named one is not found or if an empty name is provided.
func (c *Config) GetToolset(name string) (*Toolset, error) {
	if name == "" {
		name = "default"
	}
	for _, ts := range c.Toolsets {
		if ts.Name == name {
			return &ts, nil
		}
	}
	if name == "default" {
		return nil, errors.New("mandatory 'default' toolset not found in configuration")
	}
	// Fallback to default if a specific toolset was requested but not found
	return c.GetToolset("default")
}
