// Package versioning keeps an immutable, timestamped history of plugin
// sources with diff, rollback, export and retention support.
package versioning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"time"

	xerrors "Aetherra-Core/internal/errors"
)

// TimestampLayout names snapshots. It sorts lexically in time order.
const TimestampLayout = "20060102T150405.000000Z"

// Snapshot is one immutable version of a plugin's source.
type Snapshot struct {
	Plugin      string    `json:"plugin" yaml:"plugin"`
	Timestamp   string    `json:"timestamp" yaml:"timestamp"`
	Source      string    `json:"source,omitempty" yaml:"-"`
	Size        int       `json:"size" yaml:"size"`
	Confidence  float64   `json:"confidence" yaml:"confidence"`
	Origin      string    `json:"origin" yaml:"origin"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Checksum    string    `json:"checksum" yaml:"checksum"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
}

// Header returns the snapshot without its source.
func (s *Snapshot) Header() *Snapshot {
	h := *s
	h.Source = ""
	return &h
}

// HistoryStats summarises the snapshots of one plugin.
type HistoryStats struct {
	Plugin            string         `json:"plugin"`
	Count             int            `json:"count"`
	First             string         `json:"first,omitempty"`
	Latest            string         `json:"latest,omitempty"`
	AverageConfidence float64        `json:"average_confidence"`
	Origins           map[string]int `json:"origins"`
	TotalBytes        int64          `json:"total_bytes"`
}

// DiffFormat selects the diff rendering.
type DiffFormat string

const (
	DiffUnified DiffFormat = "unified"
	DiffContext DiffFormat = "context"
)

// Store persists snapshots. List returns snapshots in ascending timestamp
// order. Save rejects an existing (plugin, timestamp) pair with ErrSnapshotExists.
type Store interface {
	Save(ctx context.Context, snap *Snapshot) error
	Get(ctx context.Context, plugin, timestamp string) (*Snapshot, error)
	List(ctx context.Context, plugin string) ([]*Snapshot, error)
	Plugins(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, plugin, timestamp string) error
	Close() error
}

var pluginNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidatePluginName rejects names that cannot be used as a path segment.
func ValidatePluginName(name string) error {
	if !pluginNamePattern.MatchString(name) || len(name) > 128 {
		return xerrors.New(CodeInvalidPlugin, "invalid plugin name "+name)
	}
	return nil
}

func checksum(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

func parseTimestamp(ts string) (time.Time, error) {
	t, err := time.Parse(TimestampLayout, ts)
	if err != nil {
		return time.Time{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid snapshot timestamp "+ts)
	}
	if formatTimestamp(t) != ts {
		return time.Time{}, xerrors.New(xerrors.CodeInvalidArgument, "invalid snapshot timestamp "+ts)
	}
	return t, nil
}

// ValidateTimestamp rejects anything that is not a canonical snapshot
// timestamp. Timestamps become file names, so this also keeps lookups inside
// the plugin's own history.
func ValidateTimestamp(ts string) error {
	_, err := parseTimestamp(ts)
	return err
}

var (
	// ErrSnapshotNotFound is returned for unknown (plugin, timestamp) pairs.
	ErrSnapshotNotFound = xerrors.New(CodeSnapshotNotFound, "snapshot not found")
	// ErrSnapshotExists is returned when saving over an existing snapshot.
	ErrSnapshotExists = xerrors.New(CodeSnapshotExists, "snapshot already exists")
)

const (
	CodeSnapshotNotFound xerrors.Code = "SNAPSHOT_NOT_FOUND"
	CodeSnapshotExists   xerrors.Code = "SNAPSHOT_EXISTS"
	CodeInvalidPlugin    xerrors.Code = "SNAPSHOT_INVALID_PLUGIN"
	CodeRollbackFailed   xerrors.Code = "SNAPSHOT_ROLLBACK_FAILED"
	CodeExportFailed     xerrors.Code = "SNAPSHOT_EXPORT_FAILED"
)

func init() {
	xerrors.Register(CodeSnapshotNotFound, xerrors.Attributes{
		Message:  "snapshot not found",
		Severity: xerrors.SeverityInfo,
		Kind:     xerrors.CodeNotFound,
	})
	xerrors.Register(CodeSnapshotExists, xerrors.Attributes{
		Message:  "snapshot already exists",
		Severity: xerrors.SeverityWarning,
		Kind:     xerrors.CodeConflict,
	})
	xerrors.Register(CodeInvalidPlugin, xerrors.Attributes{
		Message:  "invalid plugin name",
		Severity: xerrors.SeverityInfo,
		Kind:     xerrors.CodeInvalidArgument,
	})
	xerrors.Register(CodeRollbackFailed, xerrors.Attributes{
		Message:  "rollback failed",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
		Kind:     xerrors.CodeStorageFailure,
	})
	xerrors.Register(CodeExportFailed, xerrors.Attributes{
		Message:   "snapshot export failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Kind:      xerrors.CodeStorageFailure,
	})
}
