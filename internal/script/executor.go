package script

import (
	"context"
	"log/slog"

	"Aetherra-Core/internal/chain"
	xerrors "Aetherra-Core/internal/errors"
	"Aetherra-Core/internal/job"
	"Aetherra-Core/pkg/logger"
)

// ChainExecutor runs a job by building the chain its script declares and
// executing it with the job parameters as the initial record.
type ChainExecutor struct {
	catalog *Catalog
	chainer *chain.Chainer
}

var _ job.Executor = (*ChainExecutor)(nil)

// NewChainExecutor builds a ChainExecutor.
func NewChainExecutor(catalog *Catalog, chainer *chain.Chainer) *ChainExecutor {
	return &ChainExecutor{catalog: catalog, chainer: chainer}
}

// Execute implements job.Executor.
func (e *ChainExecutor) Execute(ctx context.Context, j *job.Job, progress job.ProgressFunc) (map[string]any, error) {
	s, err := e.catalog.Get(j.Name)
	if err != nil {
		return nil, err
	}
	if !s.Runnable {
		return nil, xerrors.New(xerrors.CodeFailedPrecondition, "script "+s.Name+" declares no chain")
	}
	goal := s.Goal
	if override, ok := j.Context["goal"].(string); ok && override != "" {
		goal = override
	}
	ch, err := e.chainer.Build(ctx, chain.Request{
		Goal:       goal,
		Plugins:    s.Plugins,
		InputTypes: s.InputTypes,
		Mode:       chain.ExecutionMode(s.Mode),
	})
	if err != nil {
		return nil, err
	}
	if len(ch.Skipped) > 0 {
		logger.Named("script").Warn("plugins left out of chain",
			slog.String("job_id", j.ID),
			slog.String("script", s.Name),
			slog.Any("skipped", ch.Skipped),
		)
	}

	res, err := e.chainer.Execute(ctx, ch, j.Parameters, func(step chain.Step, index, total int) {
		if progress != nil {
			progress(map[string]any{
				"chain_id":  ch.ID,
				"step":      step.Plugin,
				"completed": index + 1,
				"total":     total,
			})
		}
	})
	if err != nil {
		return nil, err
	}
	return res.Output, nil
}
