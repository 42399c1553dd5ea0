package activities

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nomis52/tenantflow/activity"
	"github.com/nomis52/tenantflow/execution"
)

// User is an account within a tenant.
type User struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Email        string    `json:"email"`
	Name         string    `json:"name,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserStore persists users. Emails are unique within a tenant.
type UserStore interface {
	// Create stores u unless the tenant already has a user with that email,
	// in which case the existing user is returned with created false.
	Create(ctx context.Context, u User) (user User, created bool, err error)
	Get(ctx context.Context, tenantID, email string) (User, bool, error)
}

// MemoryUsers is an in-process UserStore.
type MemoryUsers struct {
	mu    sync.Mutex
	users map[string]User
}

// NewMemoryUsers creates an empty store.
func NewMemoryUsers() *MemoryUsers {
	return &MemoryUsers{users: make(map[string]User)}
}

func userKey(tenantID, email string) string {
	return tenantID + "/" + email
}

// Create implements UserStore.
func (m *MemoryUsers) Create(_ context.Context, u User) (User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := userKey(u.TenantID, u.Email)
	if existing, ok := m.users[key]; ok {
		return existing, false, nil
	}
	m.users[key] = u
	return u, true, nil
}

// Get implements UserStore.
func (m *MemoryUsers) Get(_ context.Context, tenantID, email string) (User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userKey(tenantID, email)]
	return u, ok, nil
}

// Len returns the number of stored users.
func (m *MemoryUsers) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users)
}

// CreateUser creates the account for a validated email address. Running it
// again for the same address returns the account created the first time.
type CreateUser struct {
	Users UserStore
	Now   func() time.Time
}

// Execute implements activity.Activity.
func (a *CreateUser) Execute(ctx context.Context, inv activity.Invocation) (execution.Payload, error) {
	email, err := stepString(CreateUserName, inv.Input, ValidateEmailName, "email")
	if err != nil {
		return nil, err
	}
	hash, err := stepString(CreateUserName, inv.Input, HashPasswordName, "password_hash")
	if err != nil {
		return nil, err
	}
	name, _ := inv.Input["name"].(string)

	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	u, created, err := a.Users.Create(ctx, User{
		ID:           uuid.NewString(),
		TenantID:     inv.Tenant.ID,
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		CreatedAt:    now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating user %s: %w", email, err)
	}
	if created {
		inv.Status.Set("created user " + u.ID)
	} else {
		inv.Status.Set("user already exists")
	}
	return execution.Payload{"user_id": u.ID, "created": created}, nil
}

var _ activity.Activity = (*CreateUser)(nil)
