package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSnapshotCommandReadsStdin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/plugins/tokenizer/snapshots" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["source"] != "split on whitespace\n" || body["confidence"] != 0.7 {
			t.Errorf("unexpected body %v", body)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"plugin":"tokenizer","timestamp":"20260301T120000.000000Z"}`))
	}))
	defer srv.Close()

	t.Setenv("HOME", t.TempDir())
	root := NewRootCmd()
	var out strings.Builder
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader("split on whitespace\n"))
	root.SetArgs([]string{"--url", srv.URL, "snapshot", "tokenizer", "--confidence", "0.7"})
	if err := root.Execute(); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !strings.Contains(out.String(), "tokenizer@20260301T120000.000000Z") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestSnapshotsAndDiffCommands(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/plugins/tokenizer/snapshots", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"plugin":"tokenizer","timestamp":"20260301T120000.000000Z","origin":"manual","confidence":0.9,"size":12},
			{"plugin":"tokenizer","timestamp":"20260301T130000.000000Z","origin":"rollback-backup","confidence":1,"size":14}
		]`))
	})
	mux.HandleFunc("/plugins/tokenizer/diff", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("format") != "context" {
			t.Errorf("expected context format, got %q", r.URL.Query().Get("format"))
		}
		_, _ = w.Write([]byte(`{"diff":"*** tokenizer@a\n--- tokenizer@b\n"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	out, err := execute(t, srv, "snapshots", "tokenizer")
	if err != nil {
		t.Fatalf("snapshots: %v", err)
	}
	if !strings.Contains(out, "rollback-backup") || strings.Count(out, "20260301T") != 2 {
		t.Fatalf("unexpected history output %q", out)
	}

	out, err = execute(t, srv, "diff", "tokenizer", "a", "b", "--format", "context")
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if !strings.HasPrefix(out, "*** tokenizer@a") {
		t.Fatalf("unexpected diff output %q", out)
	}
}

func TestRollbackCommandReportsBackup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"restored":{"plugin":"tokenizer","timestamp":"a"},
			"backup":{"plugin":"tokenizer","timestamp":"c"},
			"path":"plugins/tokenizer.aether"
		}`))
	}))
	defer srv.Close()

	out, err := execute(t, srv, "rollback", "tokenizer", "a")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if !strings.Contains(out, "plugins/tokenizer.aether") || !strings.Contains(out, "tokenizer@c") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestRollbackCommandRequiresTimestamp(t *testing.T) {
	if _, err := execute(t, nil, "rollback", "tokenizer"); err == nil {
		t.Fatalf("expected argument error")
	}
}
