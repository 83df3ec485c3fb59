package offline_queue

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/pmkol/swproxy/pkg/message"
)

// ErrMutationNotFound is returned by Store.Update for an unknown id.
var ErrMutationNotFound = errors.New("mutation not found")

// PendingMutation is a state-changing request that could not reach the
// network and waits for replay.
type PendingMutation struct {
	ID         string
	Method     string
	URL        string
	Header     http.Header
	Body       []byte
	EnqueuedAt time.Time
	RetryCount int
}

// Request rebuilds the request to replay.
func (m *PendingMutation) Request() (*message.Request, error) {
	return message.NewRequest(m.Method, m.URL, m.Header.Clone(), m.Body)
}

func (m *PendingMutation) clone() *PendingMutation {
	c := *m
	c.Header = m.Header.Clone()
	if m.Body != nil {
		c.Body = append([]byte(nil), m.Body...)
	}
	return &c
}

// Store persists pending mutations. List returns them in replay order:
// EnqueuedAt, then insertion order.
type Store interface {
	Append(ctx context.Context, m *PendingMutation) error
	List(ctx context.Context) ([]*PendingMutation, error)
	Update(ctx context.Context, m *PendingMutation) error
	Remove(ctx context.Context, id string) error
}

// MemStore is a Store that does not survive a restart.
type MemStore struct {
	m  sync.Mutex
	ms []*PendingMutation
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return new(MemStore)
}

func (s *MemStore) Append(_ context.Context, m *PendingMutation) error {
	s.m.Lock()
	defer s.m.Unlock()
	// Keep the slice sorted by EnqueuedAt, stable for equal times.
	i := len(s.ms)
	for i > 0 && s.ms[i-1].EnqueuedAt.After(m.EnqueuedAt) {
		i--
	}
	s.ms = append(s.ms, nil)
	copy(s.ms[i+1:], s.ms[i:])
	s.ms[i] = m.clone()
	return nil
}

func (s *MemStore) List(_ context.Context) ([]*PendingMutation, error) {
	s.m.Lock()
	defer s.m.Unlock()
	out := make([]*PendingMutation, 0, len(s.ms))
	for _, m := range s.ms {
		out = append(out, m.clone())
	}
	return out, nil
}

func (s *MemStore) Update(_ context.Context, m *PendingMutation) error {
	s.m.Lock()
	defer s.m.Unlock()
	for i, old := range s.ms {
		if old.ID == m.ID {
			s.ms[i] = m.clone()
			return nil
		}
	}
	return ErrMutationNotFound
}

func (s *MemStore) Remove(_ context.Context, id string) error {
	s.m.Lock()
	defer s.m.Unlock()
	for i, m := range s.ms {
		if m.ID == id {
			s.ms = append(s.ms[:i], s.ms[i+1:]...)
			return nil
		}
	}
	return nil
}
