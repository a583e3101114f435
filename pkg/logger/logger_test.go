package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildHandlerFansOutToFiles(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a", "app.log")
	second := filepath.Join(dir, "b", "app.log")

	handler, err := buildHandler("text", []string{first, second}, &slog.HandlerOptions{Level: slog.LevelInfo})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	slog.New(handler).Info("snapshot created", slog.String("plugin", "tokenizer"))
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	for _, path := range []string{first, second} {
		raw, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		var entry map[string]any
		if err := json.Unmarshal(bytes.TrimSpace(raw), &entry); err != nil {
			t.Fatalf("file output should be JSON, got %q: %v", raw, err)
		}
		if entry["plugin"] != "tokenizer" {
			t.Fatalf("unexpected entry: %v", entry)
		}
	}
}

func TestConsoleHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	slog.New(consoleHandler(&buf, "text", nil)).Info("hello", slog.Int("n", 1))
	if !strings.Contains(buf.String(), "n=1") {
		t.Fatalf("expected text output, got %q", buf.String())
	}

	buf.Reset()
	slog.New(consoleHandler(&buf, "json", nil)).Info("hello")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("expected json output, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestAuditLoggerRequiresPath(t *testing.T) {
	if _, err := buildAuditLogger(AuditConfig{Enabled: true}); err == nil {
		t.Fatalf("expected error for empty audit path")
	}
}
