package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// StateBackend persists the record collection as a whole. Load reports any
// failure, a missing collection included, as ErrStoreCorrupt; a partial
// result is never returned.
type StateBackend interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snapshot *Snapshot) error
	Delete(ctx context.Context) error
}

type stateBackendCloser interface {
	Close() error
}

// CloseStateBackend releases resources held by backends that own a
// connection pool.
func CloseStateBackend(backend StateBackend) error {
	if closer, ok := backend.(stateBackendCloser); ok {
		return closer.Close()
	}
	return nil
}

const snapshotSchemaURL = "https://notifytrack.local/schema/history.json"

const snapshotSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["version", "nextUniqueId", "records"],
	"properties": {
		"version": {"const": 1},
		"nextUniqueId": {"type": "integer", "minimum": 0},
		"records": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["uniqueId", "tag", "status", "dateAdded", "expirationTime"],
				"properties": {
					"uniqueId": {"type": "integer", "minimum": 1},
					"tag": {"type": "string", "minLength": 1},
					"group": {"type": "string"},
					"status": {"enum": [0, 1, 2]},
					"cause": {"enum": ["unspecified", "expired", "dismissed_by_user"]},
					"dateAdded": {"type": "string"},
					"dateRemoved": {"type": "string"},
					"expirationTime": {"type": "string"},
					"payload": {"type": "string"},
					"payloadArguments": {"type": "string"},
					"additionalData": {"type": "string"}
				}
			}
		}
	}
}`

var compiledSnapshotSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(snapshotSchemaJSON))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(snapshotSchemaURL, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(snapshotSchemaURL)
})

// decodeSnapshot validates data against the collection schema before
// decoding, so a structurally wrong document is rejected instead of being
// half-applied.
func decodeSnapshot(data []byte) (*Snapshot, error) {
	schema, err := compiledSnapshotSchema()
	if err != nil {
		return nil, fmt.Errorf("compile collection schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, corruptf("parse collection: %v", err)
	}
	if err := schema.Validate(inst); err != nil {
		return nil, corruptf("validate collection: %v", err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, corruptf("decode collection: %v", err)
	}
	if err := checkUniqueIDs(snapshot.NextUniqueID, snapshot.Records); err != nil {
		return nil, err
	}
	if snapshot.Records == nil {
		snapshot.Records = []ChangeRecord{}
	}
	return &snapshot, nil
}

// checkUniqueIDs rejects a collection whose ids would collide with the ones
// handed out next, or that repeats an id.
func checkUniqueIDs(next int64, records []ChangeRecord) error {
	seen := make(map[int64]struct{}, len(records))
	for _, record := range records {
		if record.UniqueID >= next {
			return corruptf("record %d is beyond next id %d", record.UniqueID, next)
		}
		if _, dup := seen[record.UniqueID]; dup {
			return corruptf("record id %d appears twice", record.UniqueID)
		}
		seen[record.UniqueID] = struct{}{}
	}
	return nil
}

func encodeSnapshot(snapshot *Snapshot) ([]byte, error) {
	if snapshot == nil {
		return nil, ErrInvalidInput
	}
	out := *snapshot
	out.Version = snapshotVersion
	if out.Records == nil {
		out.Records = []ChangeRecord{}
	}
	return json.Marshal(out)
}

type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: path}
}

func (b *JSONFileStateBackend) Load(_ context.Context) (*Snapshot, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, ErrInvalidInput
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, corruptf("collection %s missing", b.Path)
		}
		return nil, corruptf("read %s: %v", b.Path, err)
	}
	return decodeSnapshot(data)
}

func (b *JSONFileStateBackend) Save(_ context.Context, snapshot *Snapshot) error {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return ErrInvalidInput
	}
	data, err := encodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.Path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(b.Path, data, 0o644)
}

func (b *JSONFileStateBackend) Delete(_ context.Context) error {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return ErrInvalidInput
	}
	if err := os.Remove(b.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// writeFileAtomic writes to a sibling temp file and renames it over path, so
// readers see either the previous generation or the new one.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
