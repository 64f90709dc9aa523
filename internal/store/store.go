// Package store provides storage backends for MedPipe.
//
// A user is one document keyed by canonical phone number: profile fields,
// the medication list with per-occurrence reminder logs, and caregivers.
// Backends: in-memory (tests and mock runs), SQLite and PostgreSQL.
package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/MedPipe/internal/models"
)

// ErrUserExists is returned by CreateUser when the phone is already registered.
var ErrUserExists = errors.New("user already exists")

// MutateFunc edits a user's medication list in place and reports whether
// anything changed. Returning an error aborts the modification.
type MutateFunc func(u *models.User) (bool, error)

// Store is the persistence contract used by the engine and the HTTP layer.
//
// Lookups return (nil, nil) when nothing matches. Mutations report whether
// a user matched so callers can tell "not found" apart from success.
type Store interface {
	AddReceipt(r models.Receipt) error
	GetReceipts() ([]models.Receipt, error)
	AddResponse(r models.Response) error
	GetResponses() ([]models.Response, error)

	GetUser(ctx context.Context, phone string) (*models.User, error)
	CreateUser(ctx context.Context, u *models.User) error
	UpdateUser(ctx context.Context, phone string, up models.UserUpdate) (bool, error)
	UpdateMedications(ctx context.Context, phone string, meds []models.Medication) (bool, error)
	// ModifyMedications re-reads the stored document, applies fn and writes
	// the medication list back in one transaction when fn reports a change.
	ModifyMedications(ctx context.Context, phone string, fn MutateFunc) (bool, error)
	DeleteUser(ctx context.Context, phone string) (bool, error)
	// ListActiveUsers returns up to limit non-paused users with phone > afterPhone,
	// ordered by phone, for keyset iteration over the whole user set.
	ListActiveUsers(ctx context.Context, afterPhone string, limit int) ([]models.User, error)

	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option defines a function that configures store options.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL URLs or keyword DSNs and
// "sqlite3" for everything else (treated as a file path).
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	lower := strings.ToLower(d)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Compile-time checks.
var (
	_ Store     = (*InMemoryStore)(nil)
	_ DedupRepo = (*InMemoryStore)(nil)
)

// InMemoryStore keeps documents in process memory. Every read and write
// deep-copies so callers never share state with the store.
type InMemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*models.User
	receipts  []models.Receipt
	responses []models.Response
	dedup     map[string]*DedupRecord
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users: make(map[string]*models.User),
		dedup: make(map[string]*DedupRecord),
	}
}

func (s *InMemoryStore) AddReceipt(r models.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *InMemoryStore) GetReceipts() ([]models.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Receipt(nil), s.receipts...), nil
}

func (s *InMemoryStore) AddResponse(r models.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, r)
	return nil
}

func (s *InMemoryStore) GetResponses() ([]models.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Response(nil), s.responses...), nil
}

func (s *InMemoryStore) GetUser(_ context.Context, phone string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[phone]
	if !ok {
		return nil, nil
	}
	c := u.Clone()
	return &c, nil
}

func (s *InMemoryStore) CreateUser(_ context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.Phone]; ok {
		return ErrUserExists
	}
	now := time.Now()
	c := u.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.users[u.Phone] = &c
	return nil
}

func (s *InMemoryStore) UpdateUser(_ context.Context, phone string, up models.UserUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[phone]
	if !ok {
		return false, nil
	}
	up.Apply(u)
	u.UpdatedAt = time.Now()
	return true, nil
}

func (s *InMemoryStore) UpdateMedications(_ context.Context, phone string, meds []models.Medication) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[phone]
	if !ok {
		return false, nil
	}
	u.Medications = models.CloneMedications(meds)
	u.UpdatedAt = time.Now()
	return true, nil
}

func (s *InMemoryStore) ModifyMedications(_ context.Context, phone string, fn MutateFunc) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[phone]
	if !ok {
		return false, nil
	}
	working := u.Clone()
	changed, err := fn(&working)
	if err != nil {
		return true, err
	}
	if changed {
		u.Medications = models.CloneMedications(working.Medications)
		u.UpdatedAt = time.Now()
	}
	return true, nil
}

func (s *InMemoryStore) DeleteUser(_ context.Context, phone string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[phone]; !ok {
		return false, nil
	}
	delete(s.users, phone)
	return true, nil
}

func (s *InMemoryStore) ListActiveUsers(_ context.Context, afterPhone string, limit int) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	phones := make([]string, 0, len(s.users))
	for p, u := range s.users {
		if !u.Paused && p > afterPhone {
			phones = append(phones, p)
		}
	}
	sort.Strings(phones)
	if limit > 0 && len(phones) > limit {
		phones = phones[:limit]
	}
	out := make([]models.User, 0, len(phones))
	for _, p := range phones {
		out = append(out, s.users[p].Clone())
	}
	return out, nil
}

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(messageID, phone string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = &DedupRecord{MessageID: messageID, Phone: phone, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[messageID]; ok {
		now := time.Now()
		rec.ProcessedAt = &now
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
