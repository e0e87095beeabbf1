package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrEmailTaken is returned by CreateUser for a duplicate email.
	ErrEmailTaken = errors.New("broker: email already registered")

	// ErrUserNotFound is returned when no user matches the lookup.
	ErrUserNotFound = errors.New("broker: user not found")

	// ErrRotationTokenInvalid is returned for an unknown, expired, or
	// already-consumed rotation token.
	ErrRotationTokenInvalid = errors.New("broker: invalid rotation token")
)

// User is a broker account. Prompt and Voice hold the saved session
// preferences returned by the settings endpoints.
type User struct {
	ID           string
	Email        string
	PasswordHash []byte
	Prompt       string
	Voice        string
}

// UserStore holds accounts and outstanding rotation tokens. Implementations
// must be safe for concurrent use.
type UserStore interface {
	CreateUser(ctx context.Context, email string, passwordHash []byte) (*User, error)
	UserByEmail(ctx context.Context, email string) (*User, error)
	UserByID(ctx context.Context, id string) (*User, error)
	SetPrompt(ctx context.Context, id, prompt string) error
	SetVoice(ctx context.Context, id, voice string) error

	// SaveRotationToken registers an opaque rotation token for a user.
	SaveRotationToken(ctx context.Context, token, userID string, expires time.Time) error

	// ConsumeRotationToken redeems a rotation token and invalidates it. A
	// token can be consumed at most once.
	ConsumeRotationToken(ctx context.Context, token string) (userID string, err error)

	// Ping probes the backing storage for the readiness endpoint.
	Ping(ctx context.Context) error
}

// rotationEntry is one outstanding rotation token.
type rotationEntry struct {
	userID  string
	expires time.Time
}

// MemoryStore is the in-process UserStore. Accounts and tokens live only as
// long as the broker process.
type MemoryStore struct {
	mu       sync.RWMutex
	byID     map[string]*User
	byEmail  map[string]string
	rotation map[string]rotationEntry
	now      func() time.Time
}

var _ UserStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     map[string]*User{},
		byEmail:  map[string]string{},
		rotation: map[string]rotationEntry{},
		now:      time.Now,
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, email string, passwordHash []byte) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byEmail[email]; exists {
		return nil, ErrEmailTaken
	}
	u := &User{ID: uuid.NewString(), Email: email, PasswordHash: passwordHash}
	s.byID[u.ID] = u
	s.byEmail[email] = u.ID
	return cloneUser(u), nil
}

func (s *MemoryStore) UserByEmail(_ context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[email]
	if !ok {
		return nil, ErrUserNotFound
	}
	return cloneUser(s.byID[id]), nil
}

func (s *MemoryStore) UserByID(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return cloneUser(u), nil
}

func (s *MemoryStore) SetPrompt(_ context.Context, id, prompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return ErrUserNotFound
	}
	u.Prompt = prompt
	return nil
}

func (s *MemoryStore) SetVoice(_ context.Context, id, voice string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return ErrUserNotFound
	}
	u.Voice = voice
	return nil
}

func (s *MemoryStore) SaveRotationToken(_ context.Context, token, userID string, expires time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotation[token] = rotationEntry{userID: userID, expires: expires}
	return nil
}

func (s *MemoryStore) ConsumeRotationToken(_ context.Context, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.rotation[token]
	if !ok {
		return "", ErrRotationTokenInvalid
	}
	delete(s.rotation, token)
	if s.now().After(entry.expires) {
		return "", ErrRotationTokenInvalid
	}
	return entry.userID, nil
}

// Ping always succeeds: the in-process store is healthy as long as the
// process runs. A database-backed store probes its connection here.
func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func cloneUser(u *User) *User {
	c := *u
	c.PasswordHash = append([]byte(nil), u.PasswordHash...)
	return &c
}
