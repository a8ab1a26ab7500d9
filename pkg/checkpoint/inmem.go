package checkpoint

import (
	"context"
	"sync"
)

// InMemStore is a Store for tests. It keeps only the latest blob, mirroring
// the retention behavior of the file system store.
type InMemStore struct {
	mu    sync.Mutex
	epoch int64
	blob  []byte
	// FailPuts makes the next n PutAtomic calls fail, for exercising the
	// engine's commit retry path.
	FailPuts int
}

var _ Store = (*InMemStore)(nil)

// NewInMemStore returns an empty in-memory Store.
func NewInMemStore() *InMemStore {
	return &InMemStore{}
}

func (s *InMemStore) PutAtomic(_ context.Context, epoch int64, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailPuts > 0 {
		s.FailPuts--
		return context.DeadlineExceeded
	}
	s.epoch = epoch
	s.blob = append([]byte(nil), blob...)
	return nil
}

func (s *InMemStore) GetLatest(_ context.Context) (int64, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blob == nil {
		return 0, nil, ErrNotFound
	}
	return s.epoch, append([]byte(nil), s.blob...), nil
}

func (s *InMemStore) Close() error {
	return nil
}
