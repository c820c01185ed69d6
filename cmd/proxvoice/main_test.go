package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version", "--env-file", "")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "proxvoice ") {
		t.Errorf("output = %q", out)
	}
}

// FUNCTIONAL VALIDATION TEST: flags win over file, file over environment
func TestConfigCommand_Precedence(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "proxvoice.yaml")
	if err := os.WriteFile(cfgPath, []byte("voice:\n  proximity_range: 45\nauth:\n  token: s3cret\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PROXVOICE_VOICE_MAX_SESSIONS", "7")

	out, err := execute(t, "config", "--env-file", "", "--config", cfgPath, "--port", "9123")
	if err != nil {
		t.Fatalf("config: %v\n%s", err, out)
	}

	var printed struct {
		HTTP struct {
			Port int `yaml:"port"`
		} `yaml:"http"`
		Voice struct {
			ProximityRange float64 `yaml:"proximity_range"`
			MaxSessions    int     `yaml:"max_sessions"`
			SessionTimeout string  `yaml:"session_timeout"`
		} `yaml:"voice"`
		Auth struct {
			Token string `yaml:"token"`
		} `yaml:"auth"`
	}
	if err := yaml.Unmarshal([]byte(out), &printed); err != nil {
		t.Fatalf("output is not YAML: %v\n%s", err, out)
	}
	if printed.HTTP.Port != 9123 {
		t.Errorf("port = %d, want flag value", printed.HTTP.Port)
	}
	if printed.Voice.ProximityRange != 45 || printed.Voice.MaxSessions != 7 {
		t.Errorf("voice = %+v", printed.Voice)
	}
	if printed.Voice.SessionTimeout != "30s" {
		t.Errorf("session_timeout = %q", printed.Voice.SessionTimeout)
	}
	if printed.Auth.Token != "<redacted>" {
		t.Errorf("token = %q", printed.Auth.Token)
	}
}

func TestConfigCommand_InvalidOverride(t *testing.T) {
	if _, err := execute(t, "config", "--env-file", "", "--log-level", "loud"); err == nil {
		t.Error("expected invalid log level to fail")
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("PROXVOICE_TEST_ONLY_VALUE=from-dotenv\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("PROXVOICE_TEST_ONLY_VALUE") })

	if err := loadEnvFile(path, true); err != nil {
		t.Fatalf("loadEnvFile: %v", err)
	}
	if got := os.Getenv("PROXVOICE_TEST_ONLY_VALUE"); got != "from-dotenv" {
		t.Errorf("value = %q", got)
	}

	missing := filepath.Join(dir, "missing.env")
	if err := loadEnvFile(missing, false); err != nil {
		t.Errorf("missing default file should be ignored: %v", err)
	}
	if err := loadEnvFile(missing, true); err == nil {
		t.Error("missing explicit file should fail")
	}
}
