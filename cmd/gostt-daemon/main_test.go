package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"

	"github.com/chaz8081/gostt-daemon/internal/config"
	"github.com/chaz8081/gostt-daemon/internal/diag"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestServeFlagsApply(t *testing.T) {
	var f serveFlags
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	f.register(fs)
	if err := fs.Parse([]string{"--model", "tiny.en", "--threads", "2", "--no-download"}); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.LogLevel = "debug"
	f.apply(fs, cfg)

	if cfg.DefaultModel != "tiny.en" || cfg.Threads != 2 || cfg.AutoDownload {
		t.Errorf("flags not applied: %+v", cfg)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("unset --log-level overrode config: %q", cfg.LogLevel)
	}
}

func TestLoadConfigExplicitPath(t *testing.T) {
	path := writeConfig(t, "default_model: base\n")
	cfg, source, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if source != path || cfg.DefaultModel != "base" {
		t.Errorf("loadConfig() = %+v from %q", cfg, source)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, source, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if source != "defaults" || cfg.DefaultModel != "small" {
		t.Errorf("loadConfig() = %+v from %q", cfg, source)
	}
}

func TestServeSession(t *testing.T) {
	cfgPath := writeConfig(t, "models_dir: "+t.TempDir()+"\nauto_download: false\n")

	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetArgs([]string{"--config", cfgPath})
	root.SetIn(strings.NewReader(`{"action":"ping"}` + "\n" +
		`{"action":"load_model","model":"tiny"}` + "\n" +
		`{"action":"shutdown"}` + "\n" +
		`{"action":"ping"}` + "\n"))
	root.SetOut(&stdout)
	root.SetErr(&stderr)

	if err := root.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	want := []string{
		`{"status":"success","message":"pong"}`,
		`{"status":"error","message":"Failed to load model"}`,
		`{"status":"success","message":"shutting down"}`,
	}
	if len(lines) != len(want) {
		t.Fatalf("stdout lines = %q, want %d lines", lines, len(want))
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %s, want %s", i, lines[i], want[i])
		}
	}

	// Every diagnostic line is a JSON object with a status.
	for _, line := range strings.Split(strings.TrimSpace(stderr.String()), "\n") {
		var ev map[string]any
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("stderr line %q is not JSON: %v", line, err)
		}
		if _, ok := ev["status"]; !ok {
			t.Errorf("stderr line %q has no status", line)
		}
	}
	if !strings.Contains(stderr.String(), "models download tiny") {
		t.Errorf("load failure should suggest a download, stderr:\n%s", stderr.String())
	}
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	cfgPath := writeConfig(t, "threads: 0\n")
	root := newRootCmd()
	root.SetArgs([]string{"serve", "--config", cfgPath})
	root.SetIn(strings.NewReader(""))
	var stdout bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&bytes.Buffer{})

	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "threads") {
		t.Fatalf("Execute() error = %v, want threads validation error", err)
	}
	if diag.IsReported(err) {
		t.Error("config errors happen before the sink exists and must be printed by main")
	}
	if stdout.Len() != 0 {
		t.Errorf("stdout = %q, want nothing", stdout.String())
	}
}

func TestModelsList(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ggml-base.en.bin"), []byte("weights"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HOME", t.TempDir())

	var out bytes.Buffer
	root := newRootCmd()
	root.SetArgs([]string{"models", "list", "--models-dir", dir})
	root.SetOut(&out)
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	var baseEn, small string
	for _, line := range strings.Split(out.String(), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "base.en":
			baseEn = line
		case "small":
			small = line
		}
	}
	if !strings.HasSuffix(strings.TrimSpace(baseEn), "yes") {
		t.Errorf("base.en not marked downloaded: %q", baseEn)
	}
	if strings.HasSuffix(strings.TrimSpace(small), "yes") {
		t.Errorf("small marked downloaded: %q", small)
	}
	if !strings.Contains(out.String(), dir) {
		t.Error("models directory not shown")
	}
}

func TestModelsDownloadUnknown(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"models", "download", "colossal"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	if err := root.Execute(); err == nil {
		t.Fatal("downloading an unknown model should fail")
	}
}

func TestConfigInit(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	for i, want := range []string{"Wrote default config", "Config already exists"} {
		var out bytes.Buffer
		root := newRootCmd()
		root.SetArgs([]string{"config", "init"})
		root.SetOut(&out)
		if err := root.Execute(); err != nil {
			t.Fatalf("run %d: Execute() error = %v", i, err)
		}
		if !strings.Contains(out.String(), want) {
			t.Errorf("run %d: output %q, want %q", i, out.String(), want)
		}
	}
	if _, err := os.Stat(filepath.Join(home, ".config", "gostt-daemon", "config.yaml")); err != nil {
		t.Errorf("config file not written: %v", err)
	}
}

func TestServeFatalErrorIsReported(t *testing.T) {
	cfgPath := writeConfig(t, "models_dir: "+t.TempDir()+"\nmax_request_bytes: 32\n")

	var stderr bytes.Buffer
	root := newRootCmd()
	root.SetArgs([]string{"--config", cfgPath})
	root.SetIn(strings.NewReader(`{"action":"transcribe","audio_path":"` + strings.Repeat("a", 64) + `"}` + "\n"))
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&stderr)

	err := root.Execute()
	if err == nil {
		t.Fatal("oversized request should stop the daemon with an error")
	}
	if !diag.IsReported(err) {
		t.Errorf("error %v not marked as reported", err)
	}
	if !strings.Contains(stderr.String(), `"status":"error"`) {
		t.Errorf("no error event on stderr:\n%s", stderr.String())
	}
}
