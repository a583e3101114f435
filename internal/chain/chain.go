// Package chain links plugins into executable call sequences by matching the
// types they declare, and runs the resulting chains.
package chain

import (
	"context"
	stdErrors "errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	xerrors "Aetherra-Core/internal/errors"
	"Aetherra-Core/pkg/plugin"
)

// ExecutionMode selects how Execute schedules nodes.
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	// ModeParallel is accepted as an alias of ModeDAG.
	ModeParallel ExecutionMode = "parallel"
	ModeDAG      ExecutionMode = "dag"
)

// ParseMode validates a mode name. The empty string means sequential.
func ParseMode(s string) (ExecutionMode, error) {
	switch m := ExecutionMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeSequential, nil
	case ModeSequential, ModeParallel, ModeDAG:
		return m, nil
	default:
		return "", xerrors.New(CodeChainInvalid, "unknown execution mode "+s)
	}
}

// Node is one plugin invocation in a chain. Dependencies name earlier nodes
// whose output feeds this one.
type Node struct {
	PluginName   string   `json:"plugin"`
	InputTypes   []string `json:"input_types,omitempty"`
	OutputTypes  []string `json:"output_types,omitempty"`
	Priority     int      `json:"priority"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// Chain is an ordered list of nodes.
type Chain struct {
	ID      string        `json:"id"`
	Goal    string        `json:"goal,omitempty"`
	Intent  Intent        `json:"intent,omitempty"`
	Mode    ExecutionMode `json:"mode"`
	Nodes   []Node        `json:"nodes"`
	Skipped []string      `json:"skipped,omitempty"`
}

// Catalog is the plugin registry a Chainer builds from and executes against.
// *plugin.Manager satisfies it.
type Catalog interface {
	Describe(name string) (plugin.Info, error)
	List() []plugin.Info
	Execute(ctx context.Context, name string, input map[string]any) (map[string]any, error)
}

// NodeObserver is told about every finished node, typically for metrics.
type NodeObserver interface {
	NodeFinished(pluginName string, seconds float64, err error)
}

// Request asks the Chainer for a chain.
type Request struct {
	Goal string `json:"goal"`
	// Plugins restricts and orders the candidates. Empty means every
	// registered plugin in declaration order.
	Plugins []string `json:"plugins,omitempty"`
	// InputTypes are the types available before the first node runs.
	InputTypes []string      `json:"input_types,omitempty"`
	Mode       ExecutionMode `json:"mode,omitempty"`
}

// Chainer builds and executes chains.
type Chainer struct {
	catalog    Catalog
	classifier Classifier
	tracer     trace.Tracer
	observer   NodeObserver
}

// Option configures a Chainer.
type Option func(*Chainer)

// WithClassifier replaces the default keyword classifier.
func WithClassifier(c Classifier) Option {
	return func(ch *Chainer) {
		if c != nil {
			ch.classifier = c
		}
	}
}

// WithNodeObserver reports node timings to o.
func WithNodeObserver(o NodeObserver) Option {
	return func(ch *Chainer) {
		ch.observer = o
	}
}

// WithTracer overrides the tracer used for node spans.
func WithTracer(t trace.Tracer) Option {
	return func(ch *Chainer) {
		if t != nil {
			ch.tracer = t
		}
	}
}

// New creates a Chainer over catalog.
func New(catalog Catalog, opts ...Option) *Chainer {
	c := &Chainer{
		catalog:    catalog,
		classifier: NewKeywordClassifier(),
		tracer:     otel.Tracer("aetherra/chain"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

type candidate struct {
	info  plugin.Info
	index int
}

// Build links the candidate plugins greedily. Starting from req.InputTypes,
// it repeatedly places the unplaced candidate whose inputs intersect the
// types produced so far (sources are always eligible), preferring higher
// ChainPriority and then declaration order. Candidates that never become
// eligible are reported in Chain.Skipped.
func (c *Chainer) Build(ctx context.Context, req Request) (*Chain, error) {
	mode, err := ParseMode(string(req.Mode))
	if err != nil {
		return nil, err
	}
	intent := c.classifier.Classify(req.Goal)

	candidates, err := c.candidates(req.Plugins)
	if err != nil {
		return nil, err
	}
	if len(req.Plugins) == 0 {
		candidates = relevantTo(candidates, intent.Targets())
	}
	if len(candidates) == 0 {
		return nil, xerrors.Wrap(CodeChainInvalid, ErrChainInvalid, "no plugins available")
	}

	available := slices.Clone(req.InputTypes)
	nodes := make([]Node, 0, len(candidates))
	remaining := candidates
	for len(remaining) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pick := -1
		for i, cand := range remaining {
			if !cand.info.IsSource() && !cand.info.Accepts(available) {
				continue
			}
			if pick < 0 || better(cand, remaining[pick]) {
				pick = i
			}
		}
		if pick < 0 {
			if len(nodes) > 0 {
				break
			}
			// Nothing accepts the initial types: the chain starts at the
			// highest-priority candidate.
			pick = 0
			for i := range remaining {
				if better(remaining[i], remaining[pick]) {
					pick = i
				}
			}
		}
		chosen := remaining[pick]
		remaining = slices.Delete(remaining, pick, pick+1)

		node := Node{
			PluginName:  chosen.info.ID,
			InputTypes:  slices.Clone(chosen.info.InputTypes),
			OutputTypes: slices.Clone(chosen.info.OutputTypes),
			Priority:    chosen.info.ChainPriority,
		}
		for _, placed := range nodes {
			if intersects(placed.OutputTypes, node.InputTypes) {
				node.Dependencies = append(node.Dependencies, placed.PluginName)
			}
		}
		nodes = append(nodes, node)
		for _, out := range node.OutputTypes {
			if !slices.Contains(available, out) {
				available = append(available, out)
			}
		}
	}

	ch := &Chain{
		ID:     uuid.NewString(),
		Goal:   req.Goal,
		Intent: intent,
		Mode:   mode,
		Nodes:  nodes,
	}
	for _, cand := range remaining {
		ch.Skipped = append(ch.Skipped, cand.info.ID)
	}
	return ch, nil
}

// NewChain validates a caller-supplied node list. Every dependency must name
// a strictly earlier node; node names must be unique and registered.
func (c *Chainer) NewChain(id string, mode ExecutionMode, nodes []Node) (*Chain, error) {
	m, err := ParseMode(string(mode))
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, xerrors.Wrap(CodeChainInvalid, ErrChainInvalid, "chain has no nodes")
	}
	seen := make(map[string]struct{}, len(nodes))
	for i, node := range nodes {
		if _, err := c.catalog.Describe(node.PluginName); err != nil {
			return nil, notFound(node.PluginName, err)
		}
		if _, dup := seen[node.PluginName]; dup {
			return nil, xerrors.Wrap(CodeChainInvalid, ErrChainInvalid, "duplicate node "+node.PluginName)
		}
		for _, dep := range node.Dependencies {
			if _, ok := seen[dep]; !ok {
				return nil, xerrors.Wrap(CodeChainInvalid, ErrChainInvalid,
					fmt.Sprintf("node %d (%s) depends on %s which is not an earlier node", i, node.PluginName, dep))
			}
		}
		seen[node.PluginName] = struct{}{}
	}
	if id == "" {
		id = uuid.NewString()
	}
	out := make([]Node, len(nodes))
	for i, node := range nodes {
		node.Dependencies = slices.Clone(node.Dependencies)
		out[i] = node
	}
	return &Chain{ID: id, Mode: m, Nodes: out}, nil
}

func (c *Chainer) candidates(names []string) ([]candidate, error) {
	if len(names) == 0 {
		infos := c.catalog.List()
		out := make([]candidate, len(infos))
		for i, info := range infos {
			out[i] = candidate{info: info, index: i}
		}
		return out, nil
	}
	out := make([]candidate, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		info, err := c.catalog.Describe(name)
		if err != nil {
			return nil, notFound(name, err)
		}
		out = append(out, candidate{info: info, index: len(out)})
	}
	return out, nil
}

// relevantTo keeps the candidates that produce one of targets, directly or
// by feeding a plugin that does. It returns all candidates when none qualify.
func relevantTo(cands []candidate, targets []string) []candidate {
	if len(targets) == 0 {
		return cands
	}
	needed := slices.Clone(targets)
	keep := make([]bool, len(cands))
	for changed := true; changed; {
		changed = false
		for i, cand := range cands {
			if keep[i] || !cand.info.Produces(needed) {
				continue
			}
			keep[i] = true
			changed = true
			for _, in := range cand.info.InputTypes {
				if !slices.Contains(needed, in) {
					needed = append(needed, in)
				}
			}
		}
	}
	out := make([]candidate, 0, len(cands))
	for i, cand := range cands {
		if keep[i] {
			out = append(out, cand)
		}
	}
	if len(out) == 0 {
		return cands
	}
	return out
}

func better(a, b candidate) bool {
	if a.info.ChainPriority != b.info.ChainPriority {
		return a.info.ChainPriority > b.info.ChainPriority
	}
	return a.index < b.index
}

func intersects(a, b []string) bool {
	for _, v := range a {
		if slices.Contains(b, v) {
			return true
		}
	}
	return false
}

func notFound(name string, cause error) error {
	if stdErrors.Is(cause, plugin.ErrNotRegistered) {
		return xerrors.Wrap(CodePluginNotFound, ErrPluginNotFound, "plugin "+name, xerrors.WithMetadata("plugin", name))
	}
	return xerrors.Wrap(CodePluginNotFound, cause, "plugin "+name, xerrors.WithMetadata("plugin", name))
}

var (
	// ErrChainInvalid is returned for malformed chains.
	ErrChainInvalid = xerrors.New(CodeChainInvalid, "invalid chain")
	// ErrPluginNotFound is returned when a chain names an unregistered plugin.
	ErrPluginNotFound = xerrors.New(CodePluginNotFound, "plugin not found")
)

const (
	CodeChainInvalid   xerrors.Code = "CHAIN_INVALID"
	CodePluginNotFound xerrors.Code = "CHAIN_PLUGIN_NOT_FOUND"
	CodeNodeFailed     xerrors.Code = "CHAIN_NODE_FAILED"
)

func init() {
	xerrors.Register(CodeChainInvalid, xerrors.Attributes{
		Message:  "invalid chain",
		Severity: xerrors.SeverityInfo,
		Kind:     xerrors.CodeInvalidArgument,
	})
	xerrors.Register(CodePluginNotFound, xerrors.Attributes{
		Message:  "plugin not found",
		Severity: xerrors.SeverityInfo,
		Kind:     xerrors.CodeNotFound,
	})
	xerrors.Register(CodeNodeFailed, xerrors.Attributes{
		Message:  "chain node failed",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
		Kind:     xerrors.CodeExecutorFailure,
	})
}
