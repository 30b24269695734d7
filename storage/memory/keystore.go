package memorystore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/open-rails/keykit/keystore"
	"github.com/open-rails/keykit/password"
)

// Keystore is an in-memory keystore.Store for tests and single-process
// development. Data does not survive a restart.
type Keystore struct {
	mu    sync.Mutex
	users map[string]*keystore.User
	keys  map[keystore.KeyID]*keystore.Key
}

func NewKeystore() *Keystore {
	return &Keystore{
		users: map[string]*keystore.User{},
		keys:  map[keystore.KeyID]*keystore.Key{},
	}
}

func (s *Keystore) GetKeyUser(ctx context.Context, key keystore.KeyID) (*keystore.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[key]
	if !ok {
		return nil, keystore.ErrKeyNotFound
	}
	u, ok := s.users[k.UserID]
	if !ok || u.DeletedAt != nil {
		return nil, keystore.ErrKeyNotFound
	}
	return copyUser(u), nil
}

func (s *Keystore) CreateUser(ctx context.Context, params keystore.CreateUserParams) (*keystore.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[params.Key]; ok {
		return nil, keystore.ErrKeyExists
	}
	now := time.Now().UTC()
	u := &keystore.User{
		ID:         uuid.NewString(),
		Attributes: copyAttrs(params.Attributes),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.users[u.ID] = u
	s.keys[params.Key] = &keystore.Key{KeyID: params.Key, UserID: u.ID, CreatedAt: now}
	return copyUser(u), nil
}

func (s *Keystore) CreateKey(ctx context.Context, userID string, params keystore.KeyParams) (*keystore.Key, error) {
	var hash *string
	if params.Password != nil {
		phc, err := password.HashArgon2id(*params.Password)
		if err != nil {
			return nil, err
		}
		hash = &phc
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok || u.DeletedAt != nil {
		return nil, keystore.ErrUserNotFound
	}
	if _, ok := s.keys[params.KeyID]; ok {
		return nil, keystore.ErrKeyExists
	}
	k := &keystore.Key{KeyID: params.KeyID, UserID: userID, PasswordHash: hash, CreatedAt: time.Now().UTC()}
	s.keys[params.KeyID] = k
	kc := *k
	return &kc, nil
}

// GetUser returns a user by id. Soft-deleted users are reported as not
// found, matching the lookup behavior of GetKeyUser.
func (s *Keystore) GetUser(ctx context.Context, userID string) (*keystore.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok || u.DeletedAt != nil {
		return nil, keystore.ErrUserNotFound
	}
	return copyUser(u), nil
}

// SoftDeleteUser marks a user deleted; its keys stop resolving immediately
// and the purge job removes the row later.
func (s *Keystore) SoftDeleteUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok || u.DeletedAt != nil {
		return keystore.ErrUserNotFound
	}
	now := time.Now().UTC()
	u.DeletedAt = &now
	u.UpdatedAt = now
	return nil
}

// ListUsersDeletedBefore returns ids of users soft-deleted before cutoff,
// oldest first, up to limit.
func (s *Keystore) ListUsersDeletedBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	type deleted struct {
		id string
		at time.Time
	}
	var ds []deleted
	for id, u := range s.users {
		if u.DeletedAt != nil && u.DeletedAt.Before(cutoff) {
			ds = append(ds, deleted{id: id, at: *u.DeletedAt})
		}
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i].at.Before(ds[j].at) })
	if len(ds) > limit {
		ds = ds[:limit]
	}
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.id)
	}
	return out, nil
}

// HardDeleteUser removes the user row and every key attached to it.
func (s *Keystore) HardDeleteUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, userID)
	for id, k := range s.keys {
		if k.UserID == userID {
			delete(s.keys, id)
		}
	}
	return nil
}

func copyUser(u *keystore.User) *keystore.User {
	cu := *u
	cu.Attributes = copyAttrs(u.Attributes)
	if u.DeletedAt != nil {
		at := *u.DeletedAt
		cu.DeletedAt = &at
	}
	return &cu
}

func copyAttrs(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
