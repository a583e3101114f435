package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type stubPlugin struct {
	info    Info
	started int
	stopped int
	execute func(map[string]any) (map[string]any, error)
}

func (s *stubPlugin) Info() Info                     { return s.info }
func (s *stubPlugin) Configure(map[string]any) error { return nil }
func (s *stubPlugin) Init(*ExecutionContext) error   { return nil }
func (s *stubPlugin) Start(*ExecutionContext) error  { s.started++; return nil }
func (s *stubPlugin) Stop(*ExecutionContext) error   { s.stopped++; return nil }

type execStub struct{ stubPlugin }

func (e *execStub) Execute(_ *ExecutionContext, input map[string]any) (map[string]any, error) {
	return e.execute(input)
}

func TestManagerListKeepsDeclarationOrder(t *testing.T) {
	m, err := NewManager(ManagerConfig{}, WithBuiltins(
		&stubPlugin{info: Info{ID: "zeta"}},
		&stubPlugin{info: Info{ID: "alpha"}},
	))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := m.Register("mid", &stubPlugin{}, nil, IsolationPolicy{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	infos := m.List()
	got := []string{infos[0].ID, infos[1].ID, infos[2].ID}
	want := []string{"zeta", "alpha", "mid"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected order %v", got)
		}
	}
	if infos[2].Name != "mid" {
		t.Fatalf("expected name to default to id, got %q", infos[2].Name)
	}
}

func TestManagerExecuteStartsLazily(t *testing.T) {
	p := &execStub{stubPlugin: stubPlugin{info: Info{ID: "echo"}}}
	p.execute = func(in map[string]any) (map[string]any, error) {
		in["seen"] = true
		return in, nil
	}
	m, err := NewManager(ManagerConfig{}, WithBuiltins(p))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	input := map[string]any{"text": "hi"}
	out, err := m.Execute(context.Background(), "echo", input)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out["seen"] != true || out["text"] != "hi" {
		t.Fatalf("unexpected output %v", out)
	}
	if _, leaked := input["seen"]; leaked {
		t.Fatalf("plugin mutated caller input")
	}
	state, _ := m.State("echo")
	if state != StateStarted || p.started != 1 {
		t.Fatalf("expected plugin started once, state=%s started=%d", state, p.started)
	}

	if err := m.StopAll(context.Background()); err != nil {
		t.Fatalf("stop all: %v", err)
	}
	if p.stopped != 1 {
		t.Fatalf("expected stop, got %d", p.stopped)
	}
}

func TestManagerExecuteErrors(t *testing.T) {
	m, err := NewManager(ManagerConfig{}, WithBuiltins(&stubPlugin{info: Info{ID: "inert"}}))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := m.Execute(context.Background(), "missing", nil); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
	if _, err := m.Execute(context.Background(), "inert", nil); !errors.Is(err, ErrNotExecutable) {
		t.Fatalf("expected ErrNotExecutable, got %v", err)
	}
}

func TestManagerAppliesChainOverride(t *testing.T) {
	priority := 42
	cfg := ManagerConfig{Plugins: map[string]PluginConfig{
		"tok": {Enabled: true, Chain: &ChainOverride{InputTypes: []string{"raw"}, Priority: &priority}},
	}}
	m, err := NewManager(cfg, WithBuiltins(&stubPlugin{info: Info{ID: "tok", InputTypes: []string{"text"}, OutputTypes: []string{"tokens"}}}))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	info, err := m.Describe("tok")
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if info.ChainPriority != 42 || len(info.InputTypes) != 1 || info.InputTypes[0] != "raw" {
		t.Fatalf("override not applied: %+v", info)
	}
	if len(info.OutputTypes) != 1 || info.OutputTypes[0] != "tokens" {
		t.Fatalf("outputs should be untouched: %+v", info)
	}
}

func TestManagerSkipsDisabledBuiltin(t *testing.T) {
	cfg := ManagerConfig{Plugins: map[string]PluginConfig{"off": {Enabled: false}}}
	m, err := NewManager(cfg, WithBuiltins(&stubPlugin{info: Info{ID: "off"}}))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if len(m.List()) != 0 {
		t.Fatalf("disabled builtin should not register")
	}
}

func TestCapabilityPolicy(t *testing.T) {
	m, err := NewManager(ManagerConfig{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	p := &stubPlugin{info: Info{ID: "net", Capabilities: []Capability{CapabilityNetwork}}}

	if err := m.Register("net", p, nil, IsolationPolicy{}); err == nil {
		t.Fatalf("expected capability plugin without policy to be rejected")
	}
	err = m.Register("net", p, nil, IsolationPolicy{DeniedCapabilities: []Capability{CapabilityNetwork}})
	if !errors.Is(err, ErrCapabilityDenied) {
		t.Fatalf("expected ErrCapabilityDenied, got %v", err)
	}
	if err := m.Register("net", p, nil, IsolationPolicy{AllowedCapabilities: []Capability{CapabilityNetwork}}); err != nil {
		t.Fatalf("allowed capability rejected: %v", err)
	}
}

func TestLoadManagerConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plugins.yaml")
	raw := `pluginDir: /opt/plugins
order: [tokenizer]
plugins:
  tokenizer:
    enabled: true
    chain:
      priority: 7
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadManagerConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PluginDir != "/opt/plugins" || *cfg.Plugins["tokenizer"].Chain.Priority != 7 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if err := (ManagerConfig{Order: []string{"a", "a"}}).Validate(); err == nil {
		t.Fatalf("duplicate order entries should fail validation")
	}
}

func TestScratchDirsLifecycle(t *testing.T) {
	scratch := NewScratchDirs(t.TempDir())
	m, err := NewManager(ManagerConfig{}, WithIsolationStrategy(scratch))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	fsPlugin := &stubPlugin{info: Info{Capabilities: []Capability{CapabilityFilesystem}}}
	policy := IsolationPolicy{AllowedCapabilities: []Capability{CapabilityFilesystem}}
	if err := m.Register("cache", fsPlugin, nil, policy); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Register("plain", &stubPlugin{}, nil, IsolationPolicy{}); err != nil {
		t.Fatalf("register plain: %v", err)
	}
	ctx := context.Background()
	if err := m.StartAll(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	dir, ok := scratch.Dir("cache")
	if !ok {
		t.Fatalf("expected scratch dir for filesystem plugin")
	}
	if _, ok := scratch.Dir("plain"); ok {
		t.Fatalf("plugin without filesystem capability got a scratch dir")
	}
	if err := os.WriteFile(filepath.Join(dir, "state"), []byte("x"), 0o600); err != nil {
		t.Fatalf("write scratch: %v", err)
	}

	if err := m.StopAll(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("scratch dir should be removed on stop, stat err %v", err)
	}
}

func TestPolicyCheckReportsEveryCapability(t *testing.T) {
	info := Info{Capabilities: []Capability{CapabilityNetwork, CapabilityExecution}}
	policy := IsolationPolicy{
		AllowedCapabilities: []Capability{CapabilityFilesystem},
		DeniedCapabilities:  []Capability{CapabilityNetwork},
	}
	err := policy.Check(info)
	if !errors.Is(err, ErrCapabilityDenied) {
		t.Fatalf("expected ErrCapabilityDenied, got %v", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "network is explicitly denied") || !strings.Contains(msg, "execution not in allow list") {
		t.Fatalf("unexpected message %q", msg)
	}
}
