package plugin

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"sync"
)

var (
	// ErrNotRegistered is returned for unknown plugin ids.
	ErrNotRegistered = errors.New("plugin not registered")
	// ErrNotExecutable is returned when a plugin does not implement Executor.
	ErrNotExecutable = errors.New("plugin does not implement Executor")
)

// Manager keeps track of registered plugins and orchestrates their lifecycle.
type Manager struct {
	mu        sync.RWMutex
	registry  map[string]*instance
	order     []string
	loader    Loader
	isolation IsolationStrategy
	resources map[string]any
	defaults  IsolationPolicy
	builtins  []Plugin
}

type instance struct {
	mu     sync.Mutex
	Plugin Plugin
	Info   Info
	State  State
	Config map[string]any
	Policy IsolationPolicy
	Source string
}

// NewManager constructs a manager using the supplied configuration and options.
func NewManager(cfg ManagerConfig, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		registry:  make(map[string]*instance),
		loader:    GoPluginLoader{},
		isolation: NewIsolationStrategy(nil),
		resources: make(map[string]any),
		defaults:  cfg.Defaults,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.isolation = NewIsolationStrategy(m.isolation)
	if err := m.registerBuiltins(cfg); err != nil {
		return nil, err
	}
	if err := m.loadConfigured(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

// Register registers a plugin instance directly with the manager.
func (m *Manager) Register(id string, p Plugin, cfg map[string]any, policy IsolationPolicy) error {
	return m.register(id, p, cfg, &policy, nil, "manual")
}

func (m *Manager) register(id string, p Plugin, cfg map[string]any, policy *IsolationPolicy, chain *ChainOverride, source string) error {
	if id == "" {
		return errors.New("plugin id cannot be empty")
	}
	if p == nil {
		return errors.New("plugin implementation cannot be nil")
	}
	info := p.Info()
	if info.ID != "" && info.ID != id {
		return fmt.Errorf("plugin id mismatch: %s != %s", info.ID, id)
	}
	effective := MergePolicies(m.defaults, policy)
	if err := EnsurePolicy(info, effective); err != nil {
		return fmt.Errorf("plugin %s: %w", id, err)
	}
	if err := m.isolation.Validate(info, effective); err != nil {
		return fmt.Errorf("plugin %s: %w", id, err)
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	if err := p.Configure(cfg); err != nil {
		return fmt.Errorf("configure plugin %s: %w", id, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.registry[id]; exists {
		return fmt.Errorf("plugin %s already registered", id)
	}
	m.registry[id] = &instance{
		Plugin: p,
		Info:   chain.Apply(mergeInfo(info, id)),
		State:  StateRegistered,
		Config: cfg,
		Policy: effective,
		Source: source,
	}
	m.order = append(m.order, id)
	return nil
}

// Load loads a plugin implementation from disk and registers it with the manager.
func (m *Manager) Load(id string, path string, cfg map[string]any, policy IsolationPolicy) error {
	return m.load(id, PluginConfig{Path: path, Config: cfg, Policy: &policy})
}

func (m *Manager) load(id string, pc PluginConfig) error {
	if pc.Path == "" {
		return errors.New("plugin path cannot be empty")
	}
	p, err := m.loader.Load(pc.Path)
	if err != nil {
		return fmt.Errorf("load plugin from %s: %w", pc.Path, err)
	}
	return m.register(id, p, cloneConfig(pc.Config), pc.Policy, pc.Chain, pc.Path)
}

// Start initialises and starts a plugin by id.
func (m *Manager) Start(ctx context.Context, id string) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.State == StateStarted {
		return nil
	}
	execCtx := &ExecutionContext{C: ctx, Config: inst.Config, Resources: m.resources}
	if inst.State == StateRegistered {
		if err := inst.Plugin.Init(execCtx.Clone()); err != nil {
			return fmt.Errorf("initialise plugin %s: %w", id, err)
		}
		inst.State = StateInitialised
	}
	if err := m.isolation.Prepare(inst.Info); err != nil {
		return fmt.Errorf("prepare isolation for %s: %w", id, err)
	}
	if err := inst.Plugin.Start(execCtx.Clone()); err != nil {
		_ = m.isolation.Cleanup(inst.Info)
		return fmt.Errorf("start plugin %s: %w", id, err)
	}
	inst.State = StateStarted
	return nil
}

// Stop halts a plugin if it is running.
func (m *Manager) Stop(ctx context.Context, id string) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.State != StateStarted {
		return nil
	}
	execCtx := &ExecutionContext{C: ctx, Config: inst.Config, Resources: m.resources}
	if err := inst.Plugin.Stop(execCtx.Clone()); err != nil {
		return fmt.Errorf("stop plugin %s: %w", id, err)
	}
	if err := m.isolation.Cleanup(inst.Info); err != nil {
		return fmt.Errorf("cleanup isolation for %s: %w", id, err)
	}
	inst.State = StateStopped
	return nil
}

// StartAll starts all registered plugins in declaration order.
func (m *Manager) StartAll(ctx context.Context) error {
	for _, id := range m.ids() {
		if err := m.Start(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops all active plugins in reverse declaration order.
func (m *Manager) StopAll(ctx context.Context) error {
	ids := m.ids()
	var errs []error
	for i := len(ids) - 1; i >= 0; i-- {
		if err := m.Stop(ctx, ids[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Execute runs a single invocation of an executable plugin, starting it first when needed.
func (m *Manager) Execute(ctx context.Context, id string, input map[string]any) (map[string]any, error) {
	inst, err := m.get(id)
	if err != nil {
		return nil, err
	}
	exec, ok := inst.Plugin.(Executor)
	if !ok {
		return nil, fmt.Errorf("plugin %s: %w", id, ErrNotExecutable)
	}
	inst.mu.Lock()
	state := inst.State
	inst.mu.Unlock()
	if state != StateStarted {
		if err := m.Start(ctx, id); err != nil {
			return nil, err
		}
	}
	execCtx := &ExecutionContext{C: ctx, Config: inst.Config, Resources: m.resources}
	out, err := exec.Execute(execCtx.Clone(), cloneConfig(input))
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// State returns the lifecycle state of a plugin.
func (m *Manager) State(id string) (State, error) {
	inst, err := m.get(id)
	if err != nil {
		return "", err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.State, nil
}

// Describe returns the effective metadata of a plugin.
func (m *Manager) Describe(id string) (Info, error) {
	inst, err := m.get(id)
	if err != nil {
		return Info{}, err
	}
	return cloneInfo(inst.Info), nil
}

// List returns the metadata of every plugin in declaration order.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]Info, 0, len(m.order))
	for _, id := range m.order {
		infos = append(infos, cloneInfo(m.registry[id].Info))
	}
	return infos
}

func (m *Manager) ids() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.order)
}

func (m *Manager) get(id string) (*instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.registry[id]
	if !ok {
		return nil, fmt.Errorf("plugin %s: %w", id, ErrNotRegistered)
	}
	return inst, nil
}

func (m *Manager) registerBuiltins(cfg ManagerConfig) error {
	for _, p := range m.builtins {
		if p == nil {
			continue
		}
		id := p.Info().ID
		pc, configured := cfg.Plugins[id]
		if configured && pc.Path == "" && !pc.Enabled {
			continue
		}
		if configured && pc.Path != "" {
			// an on-disk implementation replaces the builtin
			continue
		}
		if err := m.register(id, p, cloneConfig(pc.Config), pc.Policy, pc.Chain, "builtin"); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) loadConfigured(cfg ManagerConfig) error {
	for _, id := range configuredOrder(cfg) {
		pc := cfg.Plugins[id]
		if !pc.Enabled || pc.Path == "" {
			continue
		}
		if !filepath.IsAbs(pc.Path) && cfg.PluginDir != "" {
			pc.Path = filepath.Join(cfg.PluginDir, pc.Path)
		}
		if err := m.load(id, pc); err != nil {
			return err
		}
	}
	return nil
}

// configuredOrder lists ids from cfg.Order first, then the rest alphabetically.
func configuredOrder(cfg ManagerConfig) []string {
	ids := make([]string, 0, len(cfg.Plugins))
	listed := make(map[string]struct{}, len(cfg.Order))
	for _, id := range cfg.Order {
		if _, ok := cfg.Plugins[id]; ok {
			ids = append(ids, id)
			listed[id] = struct{}{}
		}
	}
	var rest []string
	for id := range cfg.Plugins {
		if _, ok := listed[id]; !ok {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return append(ids, rest...)
}

func mergeInfo(info Info, id string) Info {
	if info.ID == "" {
		info.ID = id
	}
	if info.Name == "" {
		info.Name = id
	}
	return info
}

func cloneInfo(info Info) Info {
	info.Capabilities = slices.Clone(info.Capabilities)
	info.InputTypes = slices.Clone(info.InputTypes)
	info.OutputTypes = slices.Clone(info.OutputTypes)
	return info
}

func cloneConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(cfg))
	for k, v := range cfg {
		cp[k] = v
	}
	return cp
}
