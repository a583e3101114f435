package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// ErrCapabilityDenied is returned when a plugin requests a capability its policy forbids.
var ErrCapabilityDenied = errors.New("capability denied")

// IsolationStrategy enforces security restrictions for plugins at runtime.
type IsolationStrategy interface {
	Validate(info Info, policy IsolationPolicy) error
	Prepare(info Info) error
	Cleanup(info Info) error
}

// Check returns every capability of info the policy rejects, joined. A policy
// with an empty allow list permits anything it does not deny.
func (p IsolationPolicy) Check(info Info) error {
	var errs []error
	for _, c := range info.Capabilities {
		switch {
		case slices.Contains(p.DeniedCapabilities, c):
			errs = append(errs, fmt.Errorf("%w: %s is explicitly denied", ErrCapabilityDenied, c))
		case len(p.AllowedCapabilities) > 0 && !slices.Contains(p.AllowedCapabilities, c):
			errs = append(errs, fmt.Errorf("%w: %s not in allow list", ErrCapabilityDenied, c))
		}
	}
	return errors.Join(errs...)
}

// IsEmpty reports whether the policy neither allows nor denies anything.
func (p IsolationPolicy) IsEmpty() bool {
	return len(p.AllowedCapabilities) == 0 && len(p.DeniedCapabilities) == 0
}

// PolicyOnly validates capabilities and has no runtime side effects.
type PolicyOnly struct{}

func (PolicyOnly) Validate(info Info, policy IsolationPolicy) error { return policy.Check(info) }
func (PolicyOnly) Prepare(Info) error                               { return nil }
func (PolicyOnly) Cleanup(Info) error                               { return nil }

// ScratchDirs validates like PolicyOnly and gives every started plugin that
// declares CapabilityFilesystem its own directory under Root. The directory
// is emptied when the plugin stops, so plugin state never leaks between runs.
type ScratchDirs struct {
	Root string

	mu   sync.Mutex
	dirs map[string]string
}

// NewScratchDirs returns a strategy rooted at root.
func NewScratchDirs(root string) *ScratchDirs {
	return &ScratchDirs{Root: root, dirs: make(map[string]string)}
}

func (s *ScratchDirs) Validate(info Info, policy IsolationPolicy) error {
	return policy.Check(info)
}

// Prepare creates the plugin's scratch directory.
func (s *ScratchDirs) Prepare(info Info) error {
	if !slices.Contains(info.Capabilities, CapabilityFilesystem) {
		return nil
	}
	dir := filepath.Join(s.Root, info.ID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create scratch dir for %s: %w", info.ID, err)
	}
	s.mu.Lock()
	s.dirs[info.ID] = dir
	s.mu.Unlock()
	return nil
}

// Cleanup removes the plugin's scratch directory if Prepare created one.
func (s *ScratchDirs) Cleanup(info Info) error {
	s.mu.Lock()
	dir, ok := s.dirs[info.ID]
	delete(s.dirs, info.ID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return os.RemoveAll(dir)
}

// Dir returns the scratch directory of a started plugin.
func (s *ScratchDirs) Dir(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, ok := s.dirs[id]
	return dir, ok
}

// NewIsolationStrategy returns PolicyOnly when strategy is nil.
func NewIsolationStrategy(strategy IsolationStrategy) IsolationStrategy {
	if strategy == nil {
		return PolicyOnly{}
	}
	return strategy
}

// MergePolicies fills the unset halves of a plugin policy from the defaults.
func MergePolicies(defaults IsolationPolicy, plugin *IsolationPolicy) IsolationPolicy {
	if plugin == nil {
		return defaults
	}
	if merged := plugin.Merge(defaults); !merged.IsEmpty() {
		return merged
	}
	return defaults
}

// EnsurePolicy rejects plugins that declare capabilities but run with no
// policy at all.
func EnsurePolicy(info Info, policy IsolationPolicy) error {
	if len(info.Capabilities) > 0 && policy.IsEmpty() {
		return fmt.Errorf("%w: %s declares capabilities but has no isolation policy", ErrCapabilityDenied, info.ID)
	}
	return nil
}
