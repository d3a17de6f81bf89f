package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Lease guards a tick so overlapping invocations do not work the same jobs
// at the same time. Acquire returns a token that must be passed to Release.
type Lease interface {
	Acquire(ctx context.Context) (token string, acquired bool, err error)
	Release(ctx context.Context, token string) error
}

// LocalLease is a Lease for a single process. A held lease expires after
// ttl so a stuck tick cannot block later ones forever.
type LocalLease struct {
	mu      sync.Mutex
	token   string
	expires time.Time
	ttl     time.Duration
	now     func() time.Time
}

// NewLocalLease creates an in-process lease
func NewLocalLease(ttl time.Duration) *LocalLease {
	return &LocalLease{ttl: ttl, now: time.Now}
}

// Acquire takes the lease unless another holder has it
func (l *LocalLease) Acquire(_ context.Context) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.token != "" && now.Before(l.expires) {
		return "", false, nil
	}
	l.token = uuid.NewString()
	l.expires = now.Add(l.ttl)
	return l.token, true, nil
}

// Release gives the lease back if token still holds it
func (l *LocalLease) Release(_ context.Context, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if token != "" && token == l.token {
		l.token = ""
	}
	return nil
}
