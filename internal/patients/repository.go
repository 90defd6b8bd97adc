package patients

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository stores patients keyed by conversation.
type Repository interface {
	// Ensure returns the patient for key, creating an unregistered placeholder
	// on first contact.
	Ensure(ctx context.Context, key string) (*Patient, error)
	GetByConversation(ctx context.Context, key string) (*Patient, error)
	GetByID(ctx context.Context, id string) (*Patient, error)
	UpdateProfile(ctx context.Context, key string, update ProfileUpdate) (*Patient, error)
}

// InMemoryRepository is a Repository for tests and local runs.
type InMemoryRepository struct {
	mu    sync.RWMutex
	byKey map[string]*Patient
	byID  map[string]*Patient
	now   func() time.Time
}

// NewInMemoryRepository creates an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		byKey: make(map[string]*Patient),
		byID:  make(map[string]*Patient),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (r *InMemoryRepository) Ensure(ctx context.Context, key string) (*Patient, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrMissingKey
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byKey[key]; ok {
		cp := *p
		return &cp, nil
	}
	now := r.now()
	p := &Patient{
		ID:              uuid.New().String(),
		ConversationKey: key,
		Name:            PlaceholderName,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	r.byKey[key] = p
	r.byID[p.ID] = p
	cp := *p
	return &cp, nil
}

func (r *InMemoryRepository) GetByConversation(ctx context.Context, key string) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byKey[strings.TrimSpace(key)]
	if !ok {
		return nil, ErrPatientNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *InMemoryRepository) GetByID(ctx context.Context, id string) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *InMemoryRepository) UpdateProfile(ctx context.Context, key string, update ProfileUpdate) (*Patient, error) {
	update.Normalize()
	if err := update.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byKey[strings.TrimSpace(key)]
	if !ok {
		return nil, ErrPatientNotFound
	}
	applyUpdate(p, update, r.now())
	cp := *p
	return &cp, nil
}
