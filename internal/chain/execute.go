package chain

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	xerrors "Aetherra-Core/internal/errors"
)

// Step records one finished node.
type Step struct {
	Plugin  string        `json:"plugin"`
	Elapsed time.Duration `json:"elapsed"`
}

// Result is the outcome of a successful chain run.
type Result struct {
	Output map[string]any `json:"output"`
	Steps  []Step         `json:"steps"`
}

// StepFunc is called after each node completes.
type StepFunc func(step Step, index, total int)

// Execute runs ch. Sequential chains pass each node's output to the next
// node. DAG chains start a node once its dependencies finish and hand it the
// initial input merged with the dependency outputs; the result merges the
// outputs of nodes nothing depends on. The first node error aborts the run.
func (c *Chainer) Execute(ctx context.Context, ch *Chain, input map[string]any, onStep StepFunc) (*Result, error) {
	if ch == nil || len(ch.Nodes) == 0 {
		return nil, xerrors.Wrap(CodeChainInvalid, ErrChainInvalid, "chain has no nodes")
	}
	ctx, span := c.tracer.Start(ctx, "chain.execute", trace.WithAttributes(
		attribute.String("chain.id", ch.ID),
		attribute.String("chain.mode", string(ch.Mode)),
		attribute.Int("chain.nodes", len(ch.Nodes)),
	))
	defer span.End()

	var (
		res *Result
		err error
	)
	switch ch.Mode {
	case ModeDAG, ModeParallel:
		res, err = c.executeDAG(ctx, ch, input, onStep)
	default:
		res, err = c.executeSequential(ctx, ch, input, onStep)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return res, nil
}

func (c *Chainer) executeSequential(ctx context.Context, ch *Chain, input map[string]any, onStep StepFunc) (*Result, error) {
	current := copyMap(input)
	steps := make([]Step, 0, len(ch.Nodes))
	for i, node := range ch.Nodes {
		if err := ctx.Err(); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeCancelled, err, "chain cancelled before "+node.PluginName)
		}
		out, step, err := c.runNode(ctx, node, current)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
		if onStep != nil {
			onStep(step, i, len(ch.Nodes))
		}
		current = out
	}
	return &Result{Output: current, Steps: steps}, nil
}

func (c *Chainer) executeDAG(ctx context.Context, ch *Chain, input map[string]any, onStep StepFunc) (*Result, error) {
	index := make(map[string]int, len(ch.Nodes))
	for i, node := range ch.Nodes {
		index[node.PluginName] = i
	}
	consumed := make([]bool, len(ch.Nodes))
	for _, node := range ch.Nodes {
		for _, dep := range node.Dependencies {
			if j, ok := index[dep]; ok {
				consumed[j] = true
			}
		}
	}

	done := make([]chan struct{}, len(ch.Nodes))
	for i := range done {
		done[i] = make(chan struct{})
	}
	outputs := make([]map[string]any, len(ch.Nodes))
	steps := make([]Step, len(ch.Nodes))
	var (
		mu       sync.Mutex
		finished int
	)

	g, gctx := errgroup.WithContext(ctx)
	for i, node := range ch.Nodes {
		g.Go(func() error {
			deps := make([]int, 0, len(node.Dependencies))
			for _, dep := range node.Dependencies {
				j, ok := index[dep]
				if !ok || j >= i {
					return xerrors.Wrap(CodeChainInvalid, ErrChainInvalid, node.PluginName+" depends on unknown or later node "+dep)
				}
				select {
				case <-done[j]:
				case <-gctx.Done():
					return gctx.Err()
				}
				deps = append(deps, j)
			}
			if err := gctx.Err(); err != nil {
				return err
			}

			in := copyMap(input)
			mu.Lock()
			for _, j := range deps {
				for k, v := range outputs[j] {
					in[k] = v
				}
			}
			mu.Unlock()

			out, step, err := c.runNode(gctx, node, in)
			if err != nil {
				return err
			}
			mu.Lock()
			outputs[i] = out
			steps[i] = step
			finished++
			n := finished
			mu.Unlock()
			if onStep != nil {
				onStep(step, n-1, len(ch.Nodes))
			}
			close(done[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeUnknown && ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeCancelled, err, "chain cancelled")
		}
		return nil, err
	}

	final := make(map[string]any)
	for i := range ch.Nodes {
		if consumed[i] {
			continue
		}
		for k, v := range outputs[i] {
			final[k] = v
		}
	}
	return &Result{Output: final, Steps: steps}, nil
}

func (c *Chainer) runNode(ctx context.Context, node Node, input map[string]any) (map[string]any, Step, error) {
	ctx, span := c.tracer.Start(ctx, "chain.node", trace.WithAttributes(attribute.String("plugin", node.PluginName)))
	defer span.End()

	started := time.Now()
	out, err := c.catalog.Execute(ctx, node.PluginName, input)
	elapsed := time.Since(started)
	if c.observer != nil {
		c.observer.NodeFinished(node.PluginName, elapsed.Seconds(), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, Step{}, xerrors.Wrap(CodeNodeFailed, err, "node "+node.PluginName,
			xerrors.WithMetadata("plugin", node.PluginName))
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, Step{Plugin: node.PluginName, Elapsed: elapsed}, nil
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
