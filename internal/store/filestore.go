package store

import (
	"encoding/json"
	"fmt"

	"github.com/evergreen-iot/device-client/internal/util"
)

// FileStore persists a store's contents as a single JSON file, written
// atomically via the same tmp-file-then-rename idiom the teacher's
// util.WriteSecretFile uses for credentials (internal/util/securefile.go).
type FileStore struct {
	path string
}

// NewFileStore returns a Backing that reads/writes path as JSON.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// FileStoreFactory builds a per-store-name Backing rooted at dir, one
// JSON file per store name.
func FileStoreFactory(dir string) func(name string) Backing {
	return func(name string) Backing {
		return NewFileStore(dir + "/" + name + ".json")
	}
}

func (f *FileStore) Load() (map[string][]byte, error) {
	exists, err := util.FileExists(f.path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	raw, err := util.ReadSecretFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read store file: %w", err)
	}
	var encoded map[string]string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, fmt.Errorf("decode store file: %w", err)
	}
	out := make(map[string][]byte, len(encoded))
	for k, v := range encoded {
		out[k] = []byte(v)
	}
	return out, nil
}

func (f *FileStore) Save(data map[string][]byte) error {
	encoded := make(map[string]string, len(data))
	for k, v := range data {
		encoded[k] = string(v)
	}
	raw, err := json.Marshal(encoded)
	if err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	return util.WriteSecretFile(f.path, raw)
}
