package policyfn

import "github.com/evergreen-iot/device-client/internal/store"

// StoreAdapter adapts a concrete *store.Store to the Persister
// interface this package depends on, so policyfn stays decoupled from
// the store package's concrete transaction type.
type StoreAdapter struct {
	S *store.Store
}

func (a StoreAdapter) Contains(key string) bool             { return a.S.Contains(key) }
func (a StoreAdapter) GetOpaque(key string) ([]byte, bool)   { return a.S.GetOpaque(key) }
func (a StoreAdapter) GetAll() map[string][]byte             { return a.S.GetAll() }
func (a StoreAdapter) OpenTransaction() Transaction {
	return a.S.OpenTransaction()
}
