package builtin

import (
	"context"
	"reflect"
	"testing"

	"Aetherra-Core/pkg/plugin"
)

func TestBuiltinsRegisterWithManager(t *testing.T) {
	m, err := plugin.NewManager(plugin.ManagerConfig{}, plugin.WithBuiltins(All()...))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	infos := m.List()
	if len(infos) != 5 || infos[0].ID != "text-source" || infos[4].ID != "audit-sink" {
		t.Fatalf("unexpected builtin listing: %+v", infos)
	}
	for _, info := range infos {
		if len(info.OutputTypes) == 0 {
			t.Fatalf("builtin %s declares no outputs", info.ID)
		}
	}
}

func TestKeywordPipeline(t *testing.T) {
	ctx := context.Background()
	m, err := plugin.NewManager(plugin.ManagerConfig{Plugins: map[string]plugin.PluginConfig{
		"keyword-extractor": {Enabled: true, Config: map[string]any{"top": 2}},
	}}, plugin.WithBuiltins(All()...))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	record := map[string]any{"text": "Snapshots keep plugins safe. Snapshots and diffs keep plugins honest."}
	for _, id := range []string{"text-source", "tokenizer", "keyword-extractor", "summary-writer", "audit-sink"} {
		record, err = m.Execute(ctx, id, record)
		if err != nil {
			t.Fatalf("%s: %v", id, err)
		}
	}

	if got := record["keywords"]; !reflect.DeepEqual(got, []string{"keep", "plugins"}) {
		t.Fatalf("unexpected keywords %v", got)
	}
	if got := record["summary"]; got != "Snapshots keep plugins safe. [keep, plugins]" {
		t.Fatalf("unexpected summary %q", got)
	}
	report, ok := record["report"].(map[string]any)
	if !ok || report["stored"] != true {
		t.Fatalf("unexpected report %v", record["report"])
	}
}

func TestTextSourceRequiresText(t *testing.T) {
	src := &TextSource{}
	if _, err := src.Execute(nil, map[string]any{}); err == nil {
		t.Fatalf("expected error without text")
	}
	if err := src.Configure(map[string]any{"text": "fallback"}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	out, err := src.Execute(nil, map[string]any{})
	if err != nil || out["text"] != "fallback" {
		t.Fatalf("expected fallback text, got %v (%v)", out, err)
	}
}

func TestTokenize(t *testing.T) {
	got := Tokenize("Hello, World! v2-plugin")
	want := []string{"hello", "world", "v2", "plugin"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Tokenize = %v, want %v", got, want)
	}
}
