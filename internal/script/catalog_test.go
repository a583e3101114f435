package script

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"Aetherra-Core/internal/chain"
	"Aetherra-Core/internal/job"
	"Aetherra-Core/pkg/plugin"
	"Aetherra-Core/pkg/plugin/builtin"
)

const catalogYAML = `
scripts:
  - name: summarize
    description: Summarise a text
    goal: summarize the text
    plugins: [text-source, tokenizer, keyword-extractor, summary-writer]
  - name: keywords
    goal: extract keywords
    mode: dag
`

func writeCatalog(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "scripts.yaml")
	if err := os.WriteFile(path, []byte(catalogYAML), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	scriptDir := filepath.Join(dir, "scripts")
	if err := os.MkdirAll(scriptDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, name := range []string{"summarize.aether", "draft.aether", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(scriptDir, name), []byte("# script"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return path, scriptDir
}

func TestLoadCatalogWithDiscovery(t *testing.T) {
	path, dir := writeCatalog(t)
	c, err := LoadCatalog(path, dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	list := c.List()
	if len(list) != 3 || list[0].Name != "draft" || list[1].Name != "keywords" || list[2].Name != "summarize" {
		t.Fatalf("unexpected list %+v", list)
	}
	if c.Has("draft") || !c.Has("summarize") || c.Has("missing") {
		t.Fatalf("unexpected runnable flags")
	}
	s, err := c.Get("summarize")
	if err != nil || s.Path != filepath.Join(dir, "summarize.aether") || len(s.Plugins) != 4 {
		t.Fatalf("unexpected script %+v (%v)", s, err)
	}
	if _, err := c.Get("missing"); !errors.Is(err, ErrScriptNotFound) {
		t.Fatalf("expected ErrScriptNotFound, got %v", err)
	}
}

func TestLoadCatalogMissingFileIsEmpty(t *testing.T) {
	c, err := LoadCatalog(filepath.Join(t.TempDir(), "none.yaml"), "")
	if err != nil || c.Len() != 0 {
		t.Fatalf("expected empty catalog, got %d (%v)", c.Len(), err)
	}
}

func TestNewCatalogRejectsDuplicates(t *testing.T) {
	if _, err := NewCatalog(Script{Name: "a"}, Script{Name: "a"}); err == nil {
		t.Fatalf("expected duplicate error")
	}
	if _, err := NewCatalog(Script{Name: " "}); err == nil {
		t.Fatalf("expected empty name error")
	}
}

func TestChainExecutorRunsScript(t *testing.T) {
	m, err := plugin.NewManager(plugin.ManagerConfig{}, plugin.WithBuiltins(builtin.All()...))
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	path, dir := writeCatalog(t)
	c, err := LoadCatalog(path, dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	exec := NewChainExecutor(c, chain.New(m))

	var updates []map[string]any
	out, err := exec.Execute(context.Background(), &job.Job{
		ID:         "j1",
		Name:       "summarize",
		Parameters: map[string]any{"text": "Jobs run scripts. Scripts are chains of plugins."},
	}, func(p map[string]any) { updates = append(updates, p) })
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out["summary"] == nil {
		t.Fatalf("missing summary in %v", out)
	}
	if len(updates) != 4 || updates[3]["completed"] != 4 || updates[3]["step"] != "summary-writer" {
		t.Fatalf("unexpected progress updates %v", updates)
	}

	if _, err := exec.Execute(context.Background(), &job.Job{ID: "j2", Name: "draft"}, nil); err == nil {
		t.Fatalf("expected error for script without chain")
	}
}
