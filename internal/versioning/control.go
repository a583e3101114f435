package versioning

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	xerrors "Aetherra-Core/internal/errors"
	"Aetherra-Core/pkg/logger"
)

const (
	OriginManual         = "manual"
	OriginRollbackBackup = "rollback-backup"
	OriginImport         = "import"
)

// Control is the plugin version control service.
type Control struct {
	store    Store
	live     *LiveWriter
	exporter Exporter
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// ControlOption configures a Control.
type ControlOption func(*Control)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ControlOption {
	return func(c *Control) {
		if now != nil {
			c.now = now
		}
	}
}

// WithExporter sets the export target.
func WithExporter(e Exporter) ControlOption {
	return func(c *Control) {
		c.exporter = e
	}
}

// WithLiveWriter enables Rollback.
func WithLiveWriter(w *LiveWriter) ControlOption {
	return func(c *Control) {
		c.live = w
	}
}

// NewControl creates a Control over store.
func NewControl(store Store, opts ...ControlOption) *Control {
	c := &Control{
		store: store,
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Control) lock(plugin string) func() {
	c.mu.Lock()
	l, ok := c.locks[plugin]
	if !ok {
		l = &sync.Mutex{}
		c.locks[plugin] = l
	}
	c.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// SnapshotInput describes a new snapshot.
type SnapshotInput struct {
	Source      string  `json:"source"`
	Confidence  float64 `json:"confidence"`
	Origin      string  `json:"origin,omitempty"`
	Description string  `json:"description,omitempty"`
}

// CreateSnapshot records a new immutable version of plugin. Timestamps are
// strictly increasing per plugin; identical content is still recorded.
func (c *Control) CreateSnapshot(ctx context.Context, plugin string, in SnapshotInput) (*Snapshot, error) {
	if err := ValidatePluginName(plugin); err != nil {
		return nil, err
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "confidence must be between 0 and 1")
	}
	unlock := c.lock(plugin)
	defer unlock()
	return c.createLocked(ctx, plugin, in)
}

func (c *Control) createLocked(ctx context.Context, plugin string, in SnapshotInput) (*Snapshot, error) {
	if in.Origin == "" {
		in.Origin = OriginManual
	}
	now := c.now().UTC().Truncate(time.Microsecond)
	latest, err := c.latest(ctx, plugin)
	if err != nil {
		return nil, err
	}
	if latest != nil {
		if prev, err := parseTimestamp(latest.Timestamp); err == nil && !now.After(prev) {
			now = prev.Add(time.Microsecond)
		}
	}

	snap := &Snapshot{
		Plugin:      plugin,
		Source:      in.Source,
		Size:        len(in.Source),
		Confidence:  in.Confidence,
		Origin:      in.Origin,
		Description: in.Description,
		Checksum:    checksum(in.Source),
		CreatedAt:   c.now().UTC(),
	}
	for attempt := 0; attempt < 8; attempt++ {
		snap.Timestamp = formatTimestamp(now)
		err = c.store.Save(ctx, snap)
		if err == nil {
			logger.Audit().Info("snapshot created",
				slog.String("plugin", plugin),
				slog.String("timestamp", snap.Timestamp),
				slog.String("origin", snap.Origin),
				slog.Float64("confidence", snap.Confidence),
			)
			return snap, nil
		}
		if !stdErrors.Is(err, ErrSnapshotExists) {
			return nil, err
		}
		now = now.Add(time.Microsecond)
	}
	return nil, err
}

func (c *Control) latest(ctx context.Context, plugin string) (*Snapshot, error) {
	snaps, err := c.store.List(ctx, plugin)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, nil
	}
	return snaps[len(snaps)-1], nil
}

// History returns the snapshots of plugin, oldest first, without sources.
func (c *Control) History(ctx context.Context, plugin string) ([]*Snapshot, error) {
	if err := ValidatePluginName(plugin); err != nil {
		return nil, err
	}
	snaps, err := c.store.List(ctx, plugin)
	if err != nil {
		return nil, err
	}
	out := make([]*Snapshot, len(snaps))
	for i, s := range snaps {
		out[i] = s.Header()
	}
	return out, nil
}

// Get returns one snapshot including its source.
func (c *Control) Get(ctx context.Context, plugin, timestamp string) (*Snapshot, error) {
	if err := ValidatePluginName(plugin); err != nil {
		return nil, err
	}
	if err := ValidateTimestamp(timestamp); err != nil {
		return nil, err
	}
	return c.store.Get(ctx, plugin, timestamp)
}

// Current returns the newest snapshot of plugin.
func (c *Control) Current(ctx context.Context, plugin string) (*Snapshot, error) {
	if err := ValidatePluginName(plugin); err != nil {
		return nil, err
	}
	latest, err := c.latest(ctx, plugin)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, xerrors.Wrap(CodeSnapshotNotFound, ErrSnapshotNotFound, "no snapshots for "+plugin)
	}
	return latest, nil
}

// Plugins lists every plugin with at least one snapshot.
func (c *Control) Plugins(ctx context.Context) ([]string, error) {
	return c.store.Plugins(ctx)
}

// Diff renders the changes from snapshot from to snapshot to.
func (c *Control) Diff(ctx context.Context, plugin, from, to string, format DiffFormat) (string, error) {
	a, err := c.Get(ctx, plugin, from)
	if err != nil {
		return "", err
	}
	b, err := c.Get(ctx, plugin, to)
	if err != nil {
		return "", err
	}
	diff := difflib.UnifiedDiff{
		A:        diffLines(a.Source),
		B:        diffLines(b.Source),
		FromFile: plugin + "@" + from,
		ToFile:   plugin + "@" + to,
		Context:  3,
	}
	var out string
	switch format {
	case "", DiffUnified:
		out, err = difflib.GetUnifiedDiffString(diff)
	case DiffContext:
		out, err = difflib.GetContextDiffString(difflib.ContextDiff(diff))
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, "unknown diff format "+string(format))
	}
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeUnknown, err, "render diff")
	}
	return out, nil
}

const noNewlineMarker = "\\ No newline at end of file\n"

// diffLines splits source after each newline. A final line without one
// carries the marker, so it differs from the same text with a newline and
// renders the way diff(1) does.
func diffLines(source string) []string {
	if source == "" {
		return nil
	}
	lines := strings.SplitAfter(source, "\n")
	last := len(lines) - 1
	if lines[last] == "" {
		return lines[:last]
	}
	lines[last] += "\n" + noNewlineMarker
	return lines
}

// RollbackResult describes a completed rollback.
type RollbackResult struct {
	Restored *Snapshot `json:"restored"`
	// Backup holds the previous live content when it differed from the
	// restored source.
	Backup *Snapshot `json:"backup,omitempty"`
	Path   string    `json:"path"`
}

// Rollback writes the source of snapshot timestamp over the live plugin file.
func (c *Control) Rollback(ctx context.Context, plugin, timestamp string) (*RollbackResult, error) {
	if c.live == nil {
		return nil, xerrors.New(xerrors.CodeFailedPrecondition, "live plugin directory not configured")
	}
	target, err := c.Get(ctx, plugin, timestamp)
	if err != nil {
		return nil, err
	}

	unlock := c.lock(plugin)
	defer unlock()

	res := &RollbackResult{Restored: target.Header(), Path: c.live.Path(plugin)}
	err = c.live.Write(ctx, plugin, []byte(target.Source), func(ctx context.Context, current []byte, existed bool) error {
		if !existed || string(current) == target.Source {
			return nil
		}
		backup, err := c.createLocked(ctx, plugin, SnapshotInput{
			Source:      string(current),
			Confidence:  1,
			Origin:      OriginRollbackBackup,
			Description: "live content before rollback to " + timestamp,
		})
		if err != nil {
			return err
		}
		res.Backup = backup.Header()
		return nil
	})
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeUnknown {
			err = xerrors.Wrap(CodeRollbackFailed, err, "rollback "+plugin)
		}
		return nil, err
	}

	attrs := []any{slog.String("plugin", plugin), slog.String("timestamp", timestamp)}
	if res.Backup != nil {
		attrs = append(attrs, slog.String("backup", res.Backup.Timestamp))
	}
	logger.Audit().Info("plugin rolled back", attrs...)
	return res, nil
}

// HistoryStats summarises the snapshots of plugin.
func (c *Control) HistoryStats(ctx context.Context, plugin string) (*HistoryStats, error) {
	if err := ValidatePluginName(plugin); err != nil {
		return nil, err
	}
	snaps, err := c.store.List(ctx, plugin)
	if err != nil {
		return nil, err
	}
	stats := &HistoryStats{Plugin: plugin, Count: len(snaps), Origins: map[string]int{}}
	if len(snaps) == 0 {
		return stats, nil
	}
	var total float64
	for _, s := range snaps {
		total += s.Confidence
		stats.Origins[s.Origin]++
		stats.TotalBytes += int64(s.Size)
	}
	stats.First = snaps[0].Timestamp
	stats.Latest = snaps[len(snaps)-1].Timestamp
	stats.AverageConfidence = total / float64(len(snaps))
	return stats, nil
}

// Export writes the exact source of a snapshot to the exporter and returns
// its location.
func (c *Control) Export(ctx context.Context, plugin, timestamp string) (string, error) {
	if c.exporter == nil {
		return "", xerrors.New(xerrors.CodeFailedPrecondition, "no export target configured")
	}
	snap, err := c.Get(ctx, plugin, timestamp)
	if err != nil {
		return "", err
	}
	location, err := c.exporter.Export(ctx, path.Join(plugin, timestamp+sourceSuffix), []byte(snap.Source))
	if err != nil {
		return "", err
	}
	logger.Audit().Info("snapshot exported",
		slog.String("plugin", plugin),
		slog.String("timestamp", timestamp),
		slog.String("location", location),
	)
	return location, nil
}

// Import records the content at location as a new snapshot of plugin.
func (c *Control) Import(ctx context.Context, plugin, location string, in SnapshotInput) (*Snapshot, error) {
	if c.exporter == nil {
		return nil, xerrors.New(xerrors.CodeFailedPrecondition, "no export target configured")
	}
	data, err := c.exporter.Open(ctx, location)
	if err != nil {
		return nil, err
	}
	in.Source = string(data)
	if in.Origin == "" {
		in.Origin = OriginImport
	}
	if in.Description == "" {
		in.Description = "imported from " + location
	}
	return c.CreateSnapshot(ctx, plugin, in)
}

// Retention bounds snapshot history. Zero fields are unlimited.
type Retention struct {
	MaxAge       time.Duration `json:"max_age"`
	MaxPerPlugin int           `json:"max_per_plugin"`
}

// PruneReport counts what Prune removed.
type PruneReport struct {
	Deleted int            `json:"deleted"`
	Plugins map[string]int `json:"plugins,omitempty"`
}

// Prune deletes snapshots outside policy. The newest snapshot of every
// plugin is always kept.
func (c *Control) Prune(ctx context.Context, policy Retention) (*PruneReport, error) {
	report := &PruneReport{Plugins: map[string]int{}}
	if policy.MaxAge <= 0 && policy.MaxPerPlugin <= 0 {
		return report, nil
	}
	plugins, err := c.store.Plugins(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := c.now().UTC().Add(-policy.MaxAge)
	for _, plugin := range plugins {
		n, err := c.prunePlugin(ctx, plugin, policy, cutoff)
		report.Deleted += n
		if n > 0 {
			report.Plugins[plugin] = n
		}
		if err != nil {
			return report, err
		}
	}
	if report.Deleted > 0 {
		logger.Audit().Info("snapshots pruned", slog.Int("deleted", report.Deleted))
	}
	return report, nil
}

func (c *Control) prunePlugin(ctx context.Context, plugin string, policy Retention, cutoff time.Time) (int, error) {
	unlock := c.lock(plugin)
	defer unlock()

	snaps, err := c.store.List(ctx, plugin)
	if err != nil || len(snaps) <= 1 {
		return 0, err
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Timestamp < snaps[j].Timestamp })

	// Candidates exclude the newest snapshot.
	older := snaps[:len(snaps)-1]
	excess := 0
	if policy.MaxPerPlugin > 0 && len(snaps) > policy.MaxPerPlugin {
		excess = len(snaps) - policy.MaxPerPlugin
	}
	deleted := 0
	for i, s := range older {
		expired := false
		if policy.MaxAge > 0 {
			if ts, err := parseTimestamp(s.Timestamp); err == nil && ts.Before(cutoff) {
				expired = true
			}
		}
		if !expired && i >= excess {
			continue
		}
		if err := c.store.Delete(ctx, plugin, s.Timestamp); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// ParseDiffFormat validates a diff format name.
func ParseDiffFormat(s string) (DiffFormat, error) {
	switch f := DiffFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return DiffUnified, nil
	case DiffUnified, DiffContext:
		return f, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, "unknown diff format "+s)
	}
}

// Close releases the live writer and the store.
func (c *Control) Close() error {
	var errs []error
	if c.live != nil {
		errs = append(errs, c.live.Close())
	}
	errs = append(errs, c.store.Close())
	return stdErrors.Join(errs...)
}
