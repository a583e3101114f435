package aetherra

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientRunAndStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/run", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method %s", r.Method)
		}
		var req RunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Script != "summarize" || req.Parameters["depth"] != float64(2) {
			t.Fatalf("unexpected request %+v", req)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Job{ID: "job-1", Name: req.Script, Status: "pending", CreatedAt: time.Now().UTC()})
	})
	mux.HandleFunc("/api/status/job-1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Job{ID: "job-1", Status: "completed", Output: map[string]any{"ok": true}})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := NewClient(srv.URL+"/api", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	submitted, err := client.Run(ctx, RunRequest{Script: "summarize", Parameters: map[string]any{"depth": 2}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if submitted.ID != "job-1" || submitted.Status != "pending" {
		t.Fatalf("unexpected job %+v", submitted)
	}

	done, err := client.WaitForJob(ctx, submitted.ID, time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !done.Terminal() || done.Output["ok"] != true {
		t.Fatalf("unexpected final job %+v", done)
	}
}

func TestClientDecodesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"JOB_NOT_FOUND","message":"job missing not found"}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.Status(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "JOB_NOT_FOUND" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestClientPlainTextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	_, err := client.Health(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "upstream down" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestClientCancelTerminalJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/cancel/done":
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"job_id":"done","cancelled":false,"code":"JOB_TERMINAL"}`))
		case "/cancel/live":
			_, _ = w.Write([]byte(`{"job_id":"live","cancelled":true}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	ctx := context.Background()

	ok, err := client.Cancel(ctx, "done")
	if err != nil || ok {
		t.Fatalf("expected (false, nil), got (%v, %v)", ok, err)
	}
	ok, err = client.Cancel(ctx, "live")
	if err != nil || !ok {
		t.Fatalf("expected (true, nil), got (%v, %v)", ok, err)
	}
	if _, err := client.Cancel(ctx, "ghost"); err == nil {
		t.Fatalf("expected error for unknown job")
	}
}

func TestClientListJobsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("status"); got != "pending,running" {
			t.Fatalf("unexpected status filter %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Fatalf("unexpected limit %q", got)
		}
		_, _ = w.Write([]byte(`[{"job_id":"a","status":"running"}]`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	jobs, err := client.ListJobs(context.Background(), ListJobsOptions{Statuses: []string{"pending", "running"}, Limit: 5})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "a" {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
}

func TestClientSnapshotRoutes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/plugins/summarizer/snapshots", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"plugin":"summarizer","timestamp":"20260301T120000.000000Z","confidence":0.9,"origin":"manual"}`))
			return
		}
		_, _ = w.Write([]byte(`[{"plugin":"summarizer","timestamp":"20260301T120000.000000Z"}]`))
	})
	mux.HandleFunc("/plugins/summarizer/diff", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		_ = json.NewEncoder(w).Encode(Diff{Plugin: "summarizer", From: q.Get("from"), To: q.Get("to"), Format: q.Get("format"), Diff: "-a\n+b\n"})
	})
	mux.HandleFunc("/plugins/summarizer/rollback", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(RollbackResult{Restored: &Snapshot{Timestamp: body["timestamp"]}, Path: "plugins/summarizer.aether"})
	})
	mux.HandleFunc("/plugins/summarizer/export", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"location":"s3://snapshots/summarizer/x.snap"}`))
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	ctx := context.Background()

	snap, err := client.CreateSnapshot(ctx, "summarizer", SnapshotRequest{Source: "x", Confidence: 0.9})
	if err != nil || snap.Origin != "manual" {
		t.Fatalf("create snapshot: %+v %v", snap, err)
	}
	history, err := client.Snapshots(ctx, "summarizer")
	if err != nil || len(history) != 1 {
		t.Fatalf("history: %+v %v", history, err)
	}
	diff, err := client.Diff(ctx, "summarizer", "a", "b", "context")
	if err != nil || diff.From != "a" || diff.To != "b" || diff.Format != "context" {
		t.Fatalf("diff: %+v %v", diff, err)
	}
	res, err := client.Rollback(ctx, "summarizer", "a")
	if err != nil || res.Restored.Timestamp != "a" {
		t.Fatalf("rollback: %+v %v", res, err)
	}
	location, err := client.Export(ctx, "summarizer", "")
	if err != nil || location != "s3://snapshots/summarizer/x.snap" {
		t.Fatalf("export: %q %v", location, err)
	}
}

func TestNewClientRejectsRelativeURL(t *testing.T) {
	if _, err := NewClient("localhost:8080", nil); err == nil {
		t.Fatalf("expected error for url without scheme")
	}
}
