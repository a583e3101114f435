package versioning

import (
	"context"
	stdErrors "errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	xerrors "Aetherra-Core/internal/errors"
)

type stores map[string]func(t *testing.T) Store

func allStores() stores {
	return stores{
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "db", "snapshots.db"))
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
		"file": func(t *testing.T) Store {
			s, err := NewFileStore(filepath.Join(t.TempDir(), "snapshots"))
			if err != nil {
				t.Fatalf("new file store: %v", err)
			}
			return s
		},
	}
}

func fixedClock() func() time.Time {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func TestCreateSnapshotBumpsTimestamps(t *testing.T) {
	for name, open := range allStores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := NewControl(open(t), WithClock(fixedClock()))

			first, err := c.CreateSnapshot(ctx, "summarizer", SnapshotInput{Source: "v1\n", Confidence: 0.5})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			second, err := c.CreateSnapshot(ctx, "summarizer", SnapshotInput{Source: "v1\n", Confidence: 0.9})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if first.Timestamp != "20260301T120000.000000Z" {
				t.Fatalf("unexpected first timestamp %s", first.Timestamp)
			}
			if second.Timestamp != "20260301T120000.000001Z" {
				t.Fatalf("expected bumped timestamp, got %s", second.Timestamp)
			}
			if first.Origin != OriginManual || first.Checksum != second.Checksum {
				t.Fatalf("unexpected metadata %+v %+v", first, second)
			}

			current, err := c.Current(ctx, "summarizer")
			if err != nil {
				t.Fatalf("current: %v", err)
			}
			if current.Timestamp != second.Timestamp || current.Source != "v1\n" {
				t.Fatalf("unexpected current %+v", current)
			}
			history, err := c.History(ctx, "summarizer")
			if err != nil || len(history) != 2 {
				t.Fatalf("history: %v %d", err, len(history))
			}
			if history[0].Source != "" || history[0].Size != 3 {
				t.Fatalf("history should carry headers only: %+v", history[0])
			}
		})
	}
}

func TestCreateSnapshotValidation(t *testing.T) {
	c := NewControl(allStores()["file"](t))
	ctx := context.Background()
	if _, err := c.CreateSnapshot(ctx, "../escape", SnapshotInput{Source: "x"}); xerrors.CodeOf(err) != CodeInvalidPlugin {
		t.Fatalf("expected invalid plugin, got %v", err)
	}
	if _, err := c.CreateSnapshot(ctx, "ok", SnapshotInput{Source: "x", Confidence: 1.5}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid confidence, got %v", err)
	}
	if _, err := c.Current(ctx, "ok"); !stdErrors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDiffSwapsDirection(t *testing.T) {
	for name, open := range allStores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := NewControl(open(t), WithClock(fixedClock()))
			a, _ := c.CreateSnapshot(ctx, "p", SnapshotInput{Source: "one\ntwo\nthree\n"})
			b, _ := c.CreateSnapshot(ctx, "p", SnapshotInput{Source: "one\n2\nthree\n"})

			forward, err := c.Diff(ctx, "p", a.Timestamp, b.Timestamp, DiffUnified)
			if err != nil {
				t.Fatalf("diff: %v", err)
			}
			if !strings.Contains(forward, "-two\n") || !strings.Contains(forward, "+2\n") {
				t.Fatalf("unexpected forward diff:\n%s", forward)
			}
			backward, err := c.Diff(ctx, "p", b.Timestamp, a.Timestamp, DiffUnified)
			if err != nil {
				t.Fatalf("diff: %v", err)
			}
			if !strings.Contains(backward, "+two\n") || !strings.Contains(backward, "-2\n") {
				t.Fatalf("unexpected backward diff:\n%s", backward)
			}

			ctxDiff, err := c.Diff(ctx, "p", a.Timestamp, b.Timestamp, DiffContext)
			if err != nil {
				t.Fatalf("context diff: %v", err)
			}
			if !strings.Contains(ctxDiff, "! two\n") {
				t.Fatalf("unexpected context diff:\n%s", ctxDiff)
			}

			if _, err := c.Diff(ctx, "p", a.Timestamp, "20990101T000000.000000Z", DiffUnified); !stdErrors.Is(err, ErrSnapshotNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
		})
	}
}

func TestRollbackBacksUpLiveContent(t *testing.T) {
	ctx := context.Background()
	liveDir := t.TempDir()
	writer, err := NewLiveWriter(liveDir)
	if err != nil {
		t.Fatalf("live writer: %v", err)
	}
	c := NewControl(allStores()["sqlite"](t), WithClock(fixedClock()), WithLiveWriter(writer))
	defer c.Close()

	old, _ := c.CreateSnapshot(ctx, "p", SnapshotInput{Source: "old\n", Confidence: 1})
	if _, err := c.CreateSnapshot(ctx, "p", SnapshotInput{Source: "new\n", Confidence: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := os.WriteFile(filepath.Join(liveDir, "p"+DefaultLiveExtension), []byte("edited\n"), 0o644); err != nil {
		t.Fatalf("seed live file: %v", err)
	}

	res, err := c.Rollback(ctx, "p", old.Timestamp)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	data, err := os.ReadFile(res.Path)
	if err != nil || string(data) != "old\n" {
		t.Fatalf("live file not restored: %q %v", data, err)
	}
	if res.Backup == nil || res.Backup.Origin != OriginRollbackBackup {
		t.Fatalf("expected a backup snapshot, got %+v", res.Backup)
	}
	backup, err := c.Get(ctx, "p", res.Backup.Timestamp)
	if err != nil || backup.Source != "edited\n" {
		t.Fatalf("backup content: %+v %v", backup, err)
	}

	// Rolling back again is a no-op for the backup since content matches.
	res, err = c.Rollback(ctx, "p", old.Timestamp)
	if err != nil {
		t.Fatalf("second rollback: %v", err)
	}
	if res.Backup != nil {
		t.Fatalf("expected no backup for identical content, got %+v", res.Backup)
	}

	if _, err := c.Rollback(ctx, "p", "20990101T000000.000000Z"); !stdErrors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRollbackRequiresLiveWriter(t *testing.T) {
	c := NewControl(allStores()["file"](t))
	if _, err := c.Rollback(context.Background(), "p", "x"); xerrors.CodeOf(err) != xerrors.CodeFailedPrecondition {
		t.Fatalf("expected failed precondition, got %v", err)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	exportDir := t.TempDir()
	c := NewControl(allStores()["file"](t), WithClock(fixedClock()), WithExporter(FileExporter{Dir: exportDir}))

	source := "line one\n\ttabbed\nno newline"
	snap, err := c.CreateSnapshot(ctx, "p", SnapshotInput{Source: source, Confidence: 0.7})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	location, err := c.Export(ctx, "p", snap.Timestamp)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	raw, err := os.ReadFile(location)
	if err != nil || string(raw) != source {
		t.Fatalf("exported bytes differ: %q %v", raw, err)
	}

	imported, err := c.Import(ctx, "q", location, SnapshotInput{Confidence: 0.4})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if imported.Source != source || imported.Origin != OriginImport || imported.Checksum != snap.Checksum {
		t.Fatalf("unexpected import %+v", imported)
	}
}

func TestHistoryStats(t *testing.T) {
	ctx := context.Background()
	c := NewControl(allStores()["sqlite"](t), WithClock(fixedClock()))
	c.CreateSnapshot(ctx, "p", SnapshotInput{Source: "ab", Confidence: 0.2})
	c.CreateSnapshot(ctx, "p", SnapshotInput{Source: "abcd", Confidence: 0.6, Origin: "optimizer"})

	stats, err := c.HistoryStats(ctx, "p")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Count != 2 || stats.TotalBytes != 6 || stats.Origins["optimizer"] != 1 || stats.Origins[OriginManual] != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.AverageConfidence < 0.399 || stats.AverageConfidence > 0.401 {
		t.Fatalf("unexpected average %v", stats.AverageConfidence)
	}
	empty, err := c.HistoryStats(ctx, "none")
	if err != nil || empty.Count != 0 {
		t.Fatalf("unexpected empty stats %+v %v", empty, err)
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	for name, open := range allStores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			clock := func() time.Time { return now }
			c := NewControl(open(t), WithClock(clock))

			for i := 0; i < 4; i++ {
				if _, err := c.CreateSnapshot(ctx, "p", SnapshotInput{Source: strings.Repeat("x", i+1)}); err != nil {
					t.Fatalf("create: %v", err)
				}
			}
			c.CreateSnapshot(ctx, "solo", SnapshotInput{Source: "only"})

			report, err := c.Prune(ctx, Retention{MaxPerPlugin: 2})
			if err != nil {
				t.Fatalf("prune: %v", err)
			}
			if report.Deleted != 2 || report.Plugins["p"] != 2 {
				t.Fatalf("unexpected report %+v", report)
			}

			// Everything is older than the cutoff, yet the newest survives.
			now = now.Add(48 * time.Hour)
			report, err = c.Prune(ctx, Retention{MaxAge: time.Hour})
			if err != nil {
				t.Fatalf("prune by age: %v", err)
			}
			if report.Deleted != 1 {
				t.Fatalf("expected one deletion, got %+v", report)
			}
			for _, plugin := range []string{"p", "solo"} {
				history, err := c.History(ctx, plugin)
				if err != nil || len(history) != 1 {
					t.Fatalf("%s should keep exactly its newest snapshot: %d %v", plugin, len(history), err)
				}
			}
			latest, _ := c.Current(ctx, "p")
			if latest.Source != "xxxx" {
				t.Fatalf("newest snapshot was pruned: %+v", latest)
			}
		})
	}
}

func TestStoreRejectsDuplicates(t *testing.T) {
	for name, open := range allStores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			snap := &Snapshot{Plugin: "p", Timestamp: "20260301T120000.000000Z", Source: "a", Origin: "manual", CreatedAt: time.Now()}
			if err := s.Save(ctx, snap); err != nil {
				t.Fatalf("save: %v", err)
			}
			if err := s.Save(ctx, snap); !stdErrors.Is(err, ErrSnapshotExists) {
				t.Fatalf("expected exists, got %v", err)
			}
			if err := s.Delete(ctx, "p", "20260301T120000.000001Z"); !stdErrors.Is(err, ErrSnapshotNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
			plugins, err := s.Plugins(ctx)
			if err != nil || len(plugins) != 1 || plugins[0] != "p" {
				t.Fatalf("unexpected plugins %v %v", plugins, err)
			}
		})
	}
}

func TestParseObjectLocation(t *testing.T) {
	bucket, key, ok := parseObjectLocation("s3://exports/p/20260301T120000.000000Z.snap")
	if !ok || bucket != "exports" || key != "p/20260301T120000.000000Z.snap" {
		t.Fatalf("unexpected parse %q %q %v", bucket, key, ok)
	}
	if _, _, ok := parseObjectLocation("/tmp/file"); ok {
		t.Fatalf("expected plain path to be rejected")
	}
}

func TestGetRejectsTimestampsOutsidePluginHistory(t *testing.T) {
	for name, open := range allStores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := NewControl(open(t), WithClock(fixedClock()))
			private, err := c.CreateSnapshot(ctx, "private", SnapshotInput{Source: "private-src\n"})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			for _, ts := range []string{
				"../private/" + private.Timestamp,
				private.Timestamp + "/../../private/" + private.Timestamp,
				"2026-03-01",
				"",
			} {
				snap, err := c.Get(ctx, "public", ts)
				if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
					t.Fatalf("Get(%q): expected invalid argument, got %+v %v", ts, snap, err)
				}
			}
			if _, err := c.Diff(ctx, "public", "../private/"+private.Timestamp, private.Timestamp, DiffUnified); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
				t.Fatalf("diff across plugins: expected invalid argument, got %v", err)
			}
		})
	}
}

func TestFileStoreReadRejectsTraversal(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "snapshots"))
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	c := NewControl(s, WithClock(fixedClock()))
	private, err := c.CreateSnapshot(ctx, "private", SnapshotInput{Source: "private-src\n"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Get(ctx, "public", "../private/"+private.Timestamp); !stdErrors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.Delete(ctx, "public", "../private/"+private.Timestamp); !stdErrors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("expected not found on delete, got %v", err)
	}
	if _, err := s.Get(ctx, "private", private.Timestamp); err != nil {
		t.Fatalf("private snapshot must survive: %v", err)
	}
}

func TestFileExporterOpenStaysInsideDir(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	exportDir := filepath.Join(base, "exports")
	e := FileExporter{Dir: exportDir}
	location, err := e.Export(ctx, "p/20260301T120000.000000Z.snap", []byte("src"))
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	secret := filepath.Join(base, "secret.txt")
	if err := os.WriteFile(secret, []byte("TOP-SECRET\n"), 0o600); err != nil {
		t.Fatalf("write secret: %v", err)
	}
	if err := os.Symlink(secret, filepath.Join(exportDir, "p", "link.snap")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	for _, loc := range []string{location, "p/20260301T120000.000000Z.snap"} {
		data, err := e.Open(ctx, loc)
		if err != nil || string(data) != "src" {
			t.Fatalf("Open(%q) = %q, %v", loc, data, err)
		}
	}
	for _, loc := range []string{secret, "../secret.txt", "p/../../secret.txt", exportDir, "p/link.snap"} {
		if data, err := e.Open(ctx, loc); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
			t.Fatalf("Open(%q): expected invalid argument, got %q %v", loc, data, err)
		}
	}
	if _, err := e.Open(ctx, "p/missing.snap"); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMinIOObjectKeyScope(t *testing.T) {
	e := &MinIOExporter{bucket: "snapshots", prefix: "aetherra"}
	bucket, key, err := e.objectKey("s3://snapshots/aetherra/p/20260301T120000.000000Z.snap")
	if err != nil || bucket != "snapshots" || key != "aetherra/p/20260301T120000.000000Z.snap" {
		t.Fatalf("unexpected key %q %q %v", bucket, key, err)
	}
	for _, loc := range []string{
		"s3://other/aetherra/p/a.snap",
		"s3://snapshots/elsewhere/p/a.snap",
		"s3://snapshots/aetherra/../elsewhere/a.snap",
		"s3://snapshots/aetherra/",
		"/etc/passwd",
	} {
		if _, _, err := e.objectKey(loc); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
			t.Fatalf("objectKey(%q): expected invalid argument, got %v", loc, err)
		}
	}
}

func TestDiffMarksMissingFinalNewline(t *testing.T) {
	ctx := context.Background()
	c := NewControl(allStores()["file"](t), WithClock(fixedClock()))
	a, _ := c.CreateSnapshot(ctx, "p", SnapshotInput{Source: "x = 1"})
	b, _ := c.CreateSnapshot(ctx, "p", SnapshotInput{Source: "x = 1\n"})

	diff, err := c.Diff(ctx, "p", a.Timestamp, b.Timestamp, DiffUnified)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	want := "-x = 1\n\\ No newline at end of file\n+x = 1\n"
	if !strings.Contains(diff, want) || strings.Contains(diff, "+\n") {
		t.Fatalf("unexpected diff:\n%s", diff)
	}

	same, err := c.Diff(ctx, "p", b.Timestamp, b.Timestamp, DiffUnified)
	if err != nil || same != "" {
		t.Fatalf("identical snapshots should not differ: %q %v", same, err)
	}
}
