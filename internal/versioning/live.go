package versioning

import (
	"context"
	stdErrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	xerrors "Aetherra-Core/internal/errors"
)

// DefaultLiveExtension is appended to plugin names to locate live files.
const DefaultLiveExtension = ".aether"

// BeforeWrite is called by the writer with the current live content (empty
// and existed=false when no file exists) before it is replaced. Returning
// an error aborts the write.
type BeforeWrite func(ctx context.Context, current []byte, existed bool) error

type writeRequest struct {
	ctx    context.Context
	plugin string
	data   []byte
	before BeforeWrite
	reply  chan error
}

// LiveWriter owns every write to the live plugin directory. Requests are
// served one at a time by a single goroutine; a lock file additionally
// guards each write against other processes.
type LiveWriter struct {
	dir       string
	ext       string
	lockWait  time.Duration
	requests  chan writeRequest
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// LiveOption configures a LiveWriter.
type LiveOption func(*LiveWriter)

// WithLiveExtension overrides DefaultLiveExtension.
func WithLiveExtension(ext string) LiveOption {
	return func(w *LiveWriter) {
		if ext != "" {
			w.ext = ext
		}
	}
}

// WithLockWait bounds how long a write waits for the cross-process lock.
func WithLockWait(d time.Duration) LiveOption {
	return func(w *LiveWriter) {
		if d > 0 {
			w.lockWait = d
		}
	}
}

// NewLiveWriter starts the writer goroutine for dir.
func NewLiveWriter(dir string, opts ...LiveOption) (*LiveWriter, error) {
	if dir == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "live plugin directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "create live plugin directory")
	}
	w := &LiveWriter{
		dir:      dir,
		ext:      DefaultLiveExtension,
		lockWait: 5 * time.Second,
		requests: make(chan writeRequest),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	go w.loop()
	return w, nil
}

// Path returns the live file path of plugin.
func (w *LiveWriter) Path(plugin string) string {
	return filepath.Join(w.dir, plugin+w.ext)
}

// Read returns the live content of plugin.
func (w *LiveWriter) Read(plugin string) ([]byte, bool, error) {
	data, err := os.ReadFile(w.Path(plugin))
	if stdErrors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read live plugin")
	}
	return data, true, nil
}

// Write replaces the live file of plugin with data. before, when set, runs
// inside the writer goroutine while the lock is held.
func (w *LiveWriter) Write(ctx context.Context, plugin string, data []byte, before BeforeWrite) error {
	if err := ValidatePluginName(plugin); err != nil {
		return err
	}
	req := writeRequest{ctx: ctx, plugin: plugin, data: data, before: before, reply: make(chan error, 1)}
	select {
	case w.requests <- req:
	case <-w.quit:
		return xerrors.New(xerrors.CodeFailedPrecondition, "live writer closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		// The write may still complete; the reply channel is buffered.
		return ctx.Err()
	}
}

// Close stops the writer goroutine after the in-flight request.
func (w *LiveWriter) Close() error {
	w.closeOnce.Do(func() {
		close(w.quit)
	})
	<-w.done
	return nil
}

func (w *LiveWriter) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.quit:
			return
		case req := <-w.requests:
			req.reply <- w.apply(req)
		}
	}
}

func (w *LiveWriter) apply(req writeRequest) error {
	path := w.Path(req.plugin)
	lock := flock.New(path + ".lock")
	lockCtx, cancel := context.WithTimeout(req.ctx, w.lockWait)
	defer cancel()
	locked, err := lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil || !locked {
		return xerrors.Wrap(CodeRollbackFailed, err, "lock live plugin "+req.plugin)
	}
	defer lock.Unlock()

	if req.before != nil {
		current, existed, err := w.Read(req.plugin)
		if err != nil {
			return err
		}
		if err := req.before(req.ctx, current, existed); err != nil {
			return err
		}
	}
	if err := writeFileAtomic(path, req.data, 0o644); err != nil {
		return xerrors.Wrap(CodeRollbackFailed, err, "write live plugin "+req.plugin)
	}
	return nil
}
