package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/evergreen-iot/device-client/internal/util"
	"github.com/evergreen-iot/device-client/pkg/message"
)

// FilePersistence is the Gateway's durable queue backing, generalized
// from the teacher's event queue (internal/events/queue.go): the full
// queue contents round-trip through one JSON file via the same
// tmp-file-then-rename write.
type FilePersistence struct {
	path string
	mu   sync.Mutex
}

// NewFilePersistence builds a FilePersistence rooted at path.
func NewFilePersistence(path string) *FilePersistence {
	return &FilePersistence{path: path}
}

func (f *FilePersistence) Load(ctx context.Context) ([]message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read message queue: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var msgs []message.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("decode message queue: %w", err)
	}
	return msgs, nil
}

// Save replaces the queue's full persisted contents; the gateway calls
// this after every Queue/QueueAll with its current in-memory snapshot.
func (f *FilePersistence) Save(ctx context.Context, msgs []message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode message queue: %w", err)
	}
	return util.WriteSecretFile(f.path, data)
}

// Delete is a no-op: Save always writes the gateway's full remaining
// snapshot, so removal is expressed by the next Save call rather than a
// separate operation. It exists to satisfy Persistence for callers that
// distinguish delete-by-id backends (e.g. a future database-backed
// Persistence).
func (f *FilePersistence) Delete(ctx context.Context, ids []string) error {
	return nil
}

var _ Persistence = (*FilePersistence)(nil)
