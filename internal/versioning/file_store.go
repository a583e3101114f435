package versioning

import (
	"context"
	stdErrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	xerrors "Aetherra-Core/internal/errors"
)

const (
	sourceSuffix = ".snap"
	metaSuffix   = ".meta.yaml"
)

// FileStore keeps each snapshot as <root>/<plugin>/<timestamp>.snap with a
// YAML sidecar holding the metadata.
type FileStore struct {
	root string
	mu   sync.RWMutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates root if needed.
func NewFileStore(root string) (*FileStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "snapshot directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "create snapshot directory")
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) paths(plugin, ts string) (string, string) {
	dir := filepath.Join(s.root, plugin)
	return filepath.Join(dir, ts+sourceSuffix), filepath.Join(dir, ts+metaSuffix)
}

// Save implements Store. The metadata file is written last, so a snapshot
// without it is treated as incomplete and ignored.
func (s *FileStore) Save(_ context.Context, snap *Snapshot) error {
	if err := ValidatePluginName(snap.Plugin); err != nil {
		return err
	}
	if err := ValidateTimestamp(snap.Timestamp); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	srcPath, metaPath := s.paths(snap.Plugin, snap.Timestamp)
	if _, err := os.Stat(metaPath); err == nil {
		return ErrSnapshotExists
	}
	if err := os.MkdirAll(filepath.Dir(srcPath), 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "create plugin directory")
	}
	if err := writeFileAtomic(srcPath, []byte(snap.Source), 0o644); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write snapshot source")
	}
	meta, err := yaml.Marshal(snap.Header())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode snapshot metadata")
	}
	if err := writeFileAtomic(metaPath, meta, 0o644); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write snapshot metadata")
	}
	return nil
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context, plugin, timestamp string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read(plugin, timestamp, true)
}

func (s *FileStore) read(plugin, timestamp string, withSource bool) (*Snapshot, error) {
	if ValidatePluginName(plugin) != nil || ValidateTimestamp(timestamp) != nil {
		return nil, xerrors.Wrap(CodeSnapshotNotFound, ErrSnapshotNotFound, plugin+"@"+timestamp)
	}
	srcPath, metaPath := s.paths(plugin, timestamp)
	raw, err := os.ReadFile(metaPath)
	if stdErrors.Is(err, fs.ErrNotExist) {
		return nil, xerrors.Wrap(CodeSnapshotNotFound, ErrSnapshotNotFound, plugin+"@"+timestamp)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read snapshot metadata")
	}
	var snap Snapshot
	if err := yaml.Unmarshal(raw, &snap); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode snapshot metadata")
	}
	if withSource {
		src, err := os.ReadFile(srcPath)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read snapshot source")
		}
		snap.Source = string(src)
		snap.Size = len(src)
	}
	return &snap, nil
}

// List implements Store.
func (s *FileStore) List(_ context.Context, plugin string) ([]*Snapshot, error) {
	if ValidatePluginName(plugin) != nil {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.root, plugin))
	if stdErrors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list snapshots")
	}
	var stamps []string
	for _, entry := range entries {
		if name, ok := strings.CutSuffix(entry.Name(), metaSuffix); ok && !entry.IsDir() {
			stamps = append(stamps, name)
		}
	}
	sort.Strings(stamps)

	out := make([]*Snapshot, 0, len(stamps))
	for _, ts := range stamps {
		snap, err := s.read(plugin, ts, true)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// Plugins implements Store.
func (s *FileStore) Plugins(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list plugin directories")
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() && ValidatePluginName(entry.Name()) == nil {
			out = append(out, entry.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Delete implements Store.
func (s *FileStore) Delete(_ context.Context, plugin, timestamp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.read(plugin, timestamp, false); err != nil {
		return err
	}
	srcPath, metaPath := s.paths(plugin, timestamp)
	if err := os.Remove(metaPath); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "delete snapshot metadata")
	}
	if err := os.Remove(srcPath); err != nil && !stdErrors.Is(err, fs.ErrNotExist) {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "delete snapshot source")
	}
	return nil
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
