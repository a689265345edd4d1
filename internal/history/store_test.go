package history

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func sampleSnapshot() *Snapshot {
	return &Snapshot{
		NextUniqueID: 3,
		Records: []ChangeRecord{
			{
				UniqueID:       1,
				Tag:            "a",
				Group:          "inbox",
				Status:         StatusAddedViaPush,
				DateAdded:      testStart,
				ExpirationTime: FarFuture,
				Payload:        "<toast/>",
			},
			{
				UniqueID:       2,
				Tag:            "b",
				Status:         StatusRemoved,
				Cause:          CauseExpired,
				DateAdded:      testStart,
				DateRemoved:    testStart.Add(time.Minute),
				ExpirationTime: testStart.Add(time.Minute),
				AdditionalData: "extra",
			},
		},
	}
}

func assertSampleSnapshot(t *testing.T, got *Snapshot) {
	t.Helper()
	want := sampleSnapshot()
	if got == nil || got.Version != snapshotVersion || got.NextUniqueID != want.NextUniqueID {
		t.Fatalf("unexpected snapshot header %+v", got)
	}
	if len(got.Records) != len(want.Records) {
		t.Fatalf("expected %d records, got %+v", len(want.Records), got.Records)
	}
	for i := range want.Records {
		a, b := got.Records[i], want.Records[i]
		if a.UniqueID != b.UniqueID || a.Tag != b.Tag || a.Group != b.Group || a.Status != b.Status || a.Cause != b.Cause ||
			!a.DateAdded.Equal(b.DateAdded) || !a.DateRemoved.Equal(b.DateRemoved) || !a.ExpirationTime.Equal(b.ExpirationTime) ||
			a.Payload != b.Payload || a.AdditionalData != b.AdditionalData {
			t.Fatalf("record %d mismatch: got %+v want %+v", i, a, b)
		}
	}
}

func TestJSONFileStateBackendLifecycle(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "history.json")
	backend := NewJSONFileStateBackend(path)

	if _, err := backend.Load(ctx); !errors.Is(err, ErrStoreCorrupt) {
		t.Fatalf("expected missing collection to be corrupt, got %v", err)
	}
	if err := backend.Save(ctx, sampleSnapshot()); err != nil {
		t.Fatalf("save: %v", err)
	}
	snapshot, err := backend.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	assertSampleSnapshot(t, snapshot)

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected no temp files left behind, got %d entries", len(entries))
	}

	if err := backend.Delete(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := backend.Delete(ctx); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := backend.Load(ctx); !errors.Is(err, ErrStoreCorrupt) {
		t.Fatalf("expected deleted collection to be corrupt, got %v", err)
	}
}

func TestDecodeSnapshotRejectsInvalidDocuments(t *testing.T) {
	cases := map[string]string{
		"not json":       `{"version":`,
		"wrong version":  `{"version":2,"nextUniqueId":1,"records":[]}`,
		"missing field":  `{"version":1,"records":[]}`,
		"bad status":     `{"version":1,"nextUniqueId":2,"records":[{"uniqueId":1,"tag":"a","status":7,"dateAdded":"2026-01-01T00:00:00Z","expirationTime":"9999-12-31T23:59:59Z"}]}`,
		"empty tag":      `{"version":1,"nextUniqueId":2,"records":[{"uniqueId":1,"tag":"","status":0,"dateAdded":"2026-01-01T00:00:00Z","expirationTime":"9999-12-31T23:59:59Z"}]}`,
		"bad time":       `{"version":1,"nextUniqueId":2,"records":[{"uniqueId":1,"tag":"a","status":0,"dateAdded":"yesterday","expirationTime":"9999-12-31T23:59:59Z"}]}`,
		"top-level list": `[]`,
		"id at next id":  `{"version":1,"nextUniqueId":1,"records":[{"uniqueId":1,"tag":"a","status":0,"dateAdded":"2026-01-01T00:00:00Z","expirationTime":"9999-12-31T23:59:59Z"}]}`,
		"zero next id":   `{"version":1,"nextUniqueId":0,"records":[{"uniqueId":5,"tag":"a","status":0,"dateAdded":"2026-01-01T00:00:00Z","expirationTime":"9999-12-31T23:59:59Z"}]}`,
		"duplicate id":   `{"version":1,"nextUniqueId":3,"records":[{"uniqueId":2,"tag":"a","status":0,"dateAdded":"2026-01-01T00:00:00Z","expirationTime":"9999-12-31T23:59:59Z"},{"uniqueId":2,"tag":"b","status":0,"dateAdded":"2026-01-01T00:00:00Z","expirationTime":"9999-12-31T23:59:59Z"}]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := decodeSnapshot([]byte(raw)); !errors.Is(err, ErrStoreCorrupt) {
				t.Fatalf("expected corrupt error, got %v", err)
			}
		})
	}
}

func TestJSONFileStateBackendRejectsCollidingIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	raw := `{"version":1,"nextUniqueId":0,"records":[{"uniqueId":5,"tag":"a","status":0,"dateAdded":"2026-01-01T00:00:00Z","expirationTime":"9999-12-31T23:59:59Z"}]}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write collection: %v", err)
	}
	if _, err := NewJSONFileStateBackend(path).Load(context.Background()); !errors.Is(err, ErrStoreCorrupt) {
		t.Fatalf("expected ids at or past nextUniqueId to be corrupt, got %v", err)
	}
}

func TestEncodeSnapshotWritesEmptyRecordList(t *testing.T) {
	data, err := encodeSnapshot(&Snapshot{NextUniqueID: 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(data), `"records":[]`) {
		t.Fatalf("expected empty records array, got %s", data)
	}
	snapshot, err := decodeSnapshot(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snapshot.Records == nil || len(snapshot.Records) != 0 {
		t.Fatalf("expected empty non-nil records, got %+v", snapshot.Records)
	}
}

func TestInMemoryStateBackendCorrupt(t *testing.T) {
	ctx := context.Background()
	backend := NewInMemoryStateBackend()
	if _, err := backend.Load(ctx); !errors.Is(err, ErrStoreCorrupt) {
		t.Fatalf("expected empty backend to be corrupt, got %v", err)
	}
	if err := backend.Save(ctx, sampleSnapshot()); err != nil {
		t.Fatalf("save: %v", err)
	}
	snapshot, err := backend.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	assertSampleSnapshot(t, snapshot)

	backend.Corrupt([]byte("garbage"))
	if _, err := backend.Load(ctx); !errors.Is(err, ErrStoreCorrupt) {
		t.Fatalf("expected corrupt load, got %v", err)
	}
}

func TestFileHealthFlag(t *testing.T) {
	flag := NewFileHealthFlag(filepath.Join(t.TempDir(), "state", "healthy"))
	if flag.IsGood() {
		t.Fatalf("expected new flag to be bad")
	}
	if err := flag.SetGood(true); err != nil {
		t.Fatalf("set good: %v", err)
	}
	if !flag.IsGood() {
		t.Fatalf("expected flag to be good")
	}
	if err := flag.SetGood(false); err != nil {
		t.Fatalf("set bad: %v", err)
	}
	if err := flag.SetGood(false); err != nil {
		t.Fatalf("set bad twice: %v", err)
	}
	if flag.IsGood() {
		t.Fatalf("expected flag to be bad")
	}
}

func TestSQLiteStateBackendLifecycle(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")
	backend, err := NewSQLiteStateBackend(path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })

	if _, err := backend.Load(ctx); !errors.Is(err, ErrStoreCorrupt) {
		t.Fatalf("expected empty database to be corrupt, got %v", err)
	}
	if err := backend.Save(ctx, sampleSnapshot()); err != nil {
		t.Fatalf("save: %v", err)
	}
	// A second save replaces rather than appends.
	if err := backend.Save(ctx, sampleSnapshot()); err != nil {
		t.Fatalf("second save: %v", err)
	}
	snapshot, err := backend.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	assertSampleSnapshot(t, snapshot)

	if err := backend.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	reopened, err := NewSQLiteStateBackend(path)
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	snapshot, err = reopened.Load(ctx)
	if err != nil {
		t.Fatalf("load after reopen: %v", err)
	}
	assertSampleSnapshot(t, snapshot)

	if err := reopened.Delete(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := reopened.Load(ctx); !errors.Is(err, ErrStoreCorrupt) {
		t.Fatalf("expected deleted collection to be corrupt, got %v", err)
	}
}

func TestSQLiteBackedTracker(t *testing.T) {
	backend, err := NewSQLiteStateBackend(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })

	f := newTrackerFixture(t, Options{StateBackend: backend})
	f.enable(t)
	f.show(t, "a", "")
	f.platform.Push(Notification{Tag: "b"})
	f.platform.Dismiss("a", "")

	reader, changes := f.read(t)
	assertChanges(t, changes, "added_via_push:b", "removed:a")
	f.accept(t, reader)

	records := f.persisted(t)
	if len(records) != 1 || records[0].Tag != "b" || records[0].Status != StatusCommitted {
		t.Fatalf("unexpected sqlite records %+v", records)
	}
}

func TestBuildStateBackendFromDSN(t *testing.T) {
	dir := t.TempDir()

	backend, err := BuildStateBackendFromDSN("memory://")
	if err != nil {
		t.Fatalf("build memory backend: %v", err)
	}
	if _, ok := backend.(*InMemoryStateBackend); !ok {
		t.Fatalf("expected in-memory backend, got %T", backend)
	}

	filePath := filepath.Join(dir, "history.json")
	backend, err = BuildStateBackendFromDSN("file://" + filePath)
	if err != nil {
		t.Fatalf("build file backend: %v", err)
	}
	if fileBackend, ok := backend.(*JSONFileStateBackend); !ok || fileBackend.Path != filePath {
		t.Fatalf("expected file backend at %s, got %#v", filePath, backend)
	}

	backend, err = BuildStateBackendFromDSN(filePath)
	if err != nil {
		t.Fatalf("build bare-path backend: %v", err)
	}
	if _, ok := backend.(*JSONFileStateBackend); !ok {
		t.Fatalf("expected file backend for bare path, got %T", backend)
	}

	backend, err = BuildStateBackendFromDSN("sqlite://" + filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatalf("build sqlite backend: %v", err)
	}
	if _, ok := backend.(*SQLiteStateBackend); !ok {
		t.Fatalf("expected sqlite backend, got %T", backend)
	}
	_ = CloseStateBackend(backend)

	backend, err = BuildStateBackendFromDSN("postgres://localhost/notifytrack?sslmode=disable")
	if err != nil {
		t.Fatalf("expected postgres backend to build lazily, got %v", err)
	}
	if _, ok := backend.(*PostgresStateBackend); !ok {
		t.Fatalf("expected postgres backend, got %T", backend)
	}

	if _, err := BuildStateBackendFromDSN("mysql://localhost/notifytrack"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented for mysql, got %v", err)
	}
	if _, err := BuildStateBackendFromDSN("ftp://example.com/history"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
	if backend, err := BuildStateBackendFromDSN("  "); err != nil || backend != nil {
		t.Fatalf("expected empty dsn to yield no backend, got %v %v", backend, err)
	}
}

func TestRegisteredStateBackendFactoryTakesPrecedence(t *testing.T) {
	custom := NewInMemoryStateBackend()
	var gotDSN string
	RegisterStateBackendFactory("  Custom-Test ", func(dsn string) (StateBackend, error) {
		gotDSN = dsn
		return custom, nil
	})

	backend, err := BuildStateBackendFromDSN("custom-test://bucket/history")
	if err != nil {
		t.Fatalf("build custom backend: %v", err)
	}
	if backend != custom || gotDSN != "custom-test://bucket/history" {
		t.Fatalf("expected registered factory to be used, got %T dsn=%q", backend, gotDSN)
	}
}
