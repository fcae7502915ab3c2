package log

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestInit_FileLogging(t *testing.T) {
	tmpDir := t.TempDir()

	if err := Init(Options{DebugDir: tmpDir, Stream: "sidecar", Stderr: &bytes.Buffer{}}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	Info("sidecar started", "port", 3737)
	Close()

	today := time.Now().Format(dateLayout)
	content, err := os.ReadFile(filepath.Join(tmpDir, "sidecar-"+today+".jsonl"))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(content), "sidecar started") {
		t.Errorf("expected log file to contain 'sidecar started', got: %s", content)
	}
	if !strings.Contains(string(content), `"port":3737`) {
		t.Errorf("expected structured port attribute, got: %s", content)
	}
}

func TestInit_StderrLevels(t *testing.T) {
	tests := []struct {
		name      string
		verbose   bool
		wantDebug bool
	}{
		{"default", false, false},
		{"verbose", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stderr bytes.Buffer
			if err := Init(Options{Verbose: tt.verbose, Stderr: &stderr}); err != nil {
				t.Fatalf("Init failed: %v", err)
			}
			defer Close()

			Debug("debug message")
			Info("info message")
			Warn("warn message")
			Error("error message")

			output := stderr.String()
			if got := strings.Contains(output, "debug message"); got != tt.wantDebug {
				t.Errorf("debug on stderr = %v, want %v", got, tt.wantDebug)
			}
			if got := strings.Contains(output, "info message"); got != tt.wantDebug {
				t.Errorf("info on stderr = %v, want %v", got, tt.wantDebug)
			}
			if !strings.Contains(output, "warn message") || !strings.Contains(output, "error message") {
				t.Errorf("warn and error should always reach stderr, got: %s", output)
			}
		})
	}
}

func TestInit_JSONFormat(t *testing.T) {
	var stderr bytes.Buffer
	if err := Init(Options{JSONFormat: true, Stderr: &stderr}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer Close()

	Warn("port busy", "port", 3737)
	if !strings.HasPrefix(strings.TrimSpace(stderr.String()), "{") {
		t.Errorf("expected JSON output, got: %s", stderr.String())
	}
}

func TestInit_RedactsSecretAttributes(t *testing.T) {
	var stderr bytes.Buffer
	dir := t.TempDir()
	if err := Init(Options{Verbose: true, DebugDir: dir, Stderr: &stderr}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	Warn("pushing config", "provider", "minimax", "api_key", "sk-live-secret", "token", "t-1")
	Close()

	file, err := os.ReadFile(filepath.Join(dir, DefaultStream+"-"+time.Now().Format(dateLayout)+".jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	for name, out := range map[string]string{"stderr": stderr.String(), "file": string(file)} {
		if strings.Contains(out, "sk-live-secret") || strings.Contains(out, "t-1") {
			t.Errorf("%s leaked a secret: %s", name, out)
		}
		if !strings.Contains(out, redacted) || !strings.Contains(out, "minimax") {
			t.Errorf("%s = %s, want redacted secrets and plain provider", name, out)
		}
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)

	c := WithComponent("sidecar")
	c.Info("health check passed", "port", 4000)

	out := buf.String()
	if !strings.Contains(out, "component=sidecar") {
		t.Errorf("expected component attribute, got: %s", out)
	}
	if !strings.Contains(out, "health check passed") {
		t.Errorf("expected message, got: %s", out)
	}
}

func TestWithComponent_BoundBeforeInit(t *testing.T) {
	c := WithComponent("storage")

	var buf bytes.Buffer
	SetOutput(&buf)
	c.Warn("late bound")

	if !strings.Contains(buf.String(), "late bound") {
		t.Errorf("component logger should follow the current global logger, got: %s", buf.String())
	}
}
