// Package verification keeps pending company sign-ups until their emailed
// code is confirmed or expires.
package verification

import (
	"context"
	"sync"
	"time"

	"github.com/pesio-ai/be-expense-approvals/internal/platform/errors"
)

// ErrNotFound is returned for a missing or expired record.
var ErrNotFound = errors.New(errors.ErrCodeNotFound, "verification code expired or not found")

// PendingCompany is a sign-up awaiting email verification. It never holds
// the plaintext password.
type PendingCompany struct {
	CompanyName  string    `json:"company_name"`
	AdminEmail   string    `json:"admin_email"`
	PasswordHash string    `json:"password_hash"`
	Country      string    `json:"country"`
	Currency     string    `json:"currency"`
	Code         string    `json:"code"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store holds pending records keyed by admin email.
type Store interface {
	Put(ctx context.Context, email string, rec *PendingCompany, ttl time.Duration) error
	// Get returns ErrNotFound when the record is missing or expired.
	Get(ctx context.Context, email string) (*PendingCompany, error)
	Delete(ctx context.Context, email string) error
}

type memoryEntry struct {
	rec       PendingCompany
	expiresAt time.Time
}

// MemoryStore is a process-local Store. Expired entries are dropped on
// read and swept on every write.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memoryEntry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store. A nil clock means time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Put(ctx context.Context, email string, rec *PendingCompany, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.cleanupExpiredLocked(now)
	s.entries[email] = memoryEntry{rec: *rec, expiresAt: now.Add(ttl)}
	return nil
}

// cleanupExpiredLocked removes expired entries. Callers hold s.mu.
func (s *MemoryStore) cleanupExpiredLocked(now time.Time) {
	for email, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, email)
		}
	}
}

func (s *MemoryStore) Get(ctx context.Context, email string) (*PendingCompany, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[email]
	if !ok {
		return nil, ErrNotFound
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.entries, email)
		return nil, ErrNotFound
	}
	rec := e.rec
	return &rec, nil
}

func (s *MemoryStore) Delete(ctx context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, email)
	return nil
}
