package fileterm

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadTextFileNotFound(t *testing.T) {
	s := New(Hooks{})
	res := s.ReadTextFile(filepath.Join(t.TempDir(), "missing.txt"))
	if res.Content != "" || res.Error == "" {
		t.Fatalf("expected empty content and an error, got %+v", res)
	}
}

func TestReadTextFileHookOverride(t *testing.T) {
	s := New(Hooks{OnFileRead: func(path string) (string, bool) { return "intercepted", true }})
	res := s.ReadTextFile("/does/not/matter")
	if res.Content != "intercepted" || res.Error != "" {
		t.Fatalf("expected hook content, got %+v", res)
	}
}

func TestWriteTextFileCreatesParents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a", "b", "c.txt")
	s := New(Hooks{})
	if err := s.WriteTextFile(path, "hello"); err != nil {
		t.Fatalf("WriteTextFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("expected hello, got %q", data)
	}
}

func TestWriteTextFileHookVeto(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blocked.txt")
	s := New(Hooks{OnFileWrite: func(string, string) bool { return false }})
	if err := s.WriteTextFile(path, "hello"); err != nil {
		t.Fatalf("expected veto to report success, got error: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected the file to not exist after a vetoed write")
	}
}

func TestTerminalLifecycle(t *testing.T) {
	s := New(Hooks{})
	created := s.CreateTerminal("echo", []string{"hi"}, "", nil)
	if created.Error != "" {
		t.Fatalf("CreateTerminal: %s", created.Error)
	}
	if created.TerminalID != "terminal-1" {
		t.Errorf("expected terminal-1, got %s", created.TerminalID)
	}

	exit := s.WaitForExit(created.TerminalID)
	if exit.Error != "" {
		t.Fatalf("WaitForExit: %s", exit.Error)
	}
	if exit.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %d", exit.ExitCode)
	}

	s.Release(created.TerminalID)
	if s.Count() != 0 {
		t.Errorf("expected registry empty after release, got %d", s.Count())
	}
}

func TestTerminalCreateBlocked(t *testing.T) {
	s := New(Hooks{OnTerminalCreate: func(string, string) bool { return false }})
	res := s.CreateTerminal("echo", []string{"hi"}, "", nil)
	if res.TerminalID != "" || res.Error != "Terminal creation blocked" {
		t.Fatalf("expected blocked result, got %+v", res)
	}
}

func TestReleaseUnknownIDIsNoop(t *testing.T) {
	s := New(Hooks{})
	s.Release("terminal-does-not-exist")
}
