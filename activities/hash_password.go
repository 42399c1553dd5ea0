package activities

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/nomis52/tenantflow/activity"
	"github.com/nomis52/tenantflow/execution"
)

const minPasswordLength = 8

// HashPassword turns the signup password into a bcrypt hash so that later
// steps never handle the plain text.
type HashPassword struct {
	// Cost is the bcrypt cost. Zero uses bcrypt.DefaultCost.
	Cost int
}

// Execute implements activity.Activity.
func (a *HashPassword) Execute(_ context.Context, inv activity.Invocation) (execution.Payload, error) {
	password, ok := inv.Input["password"].(string)
	if !ok || len(password) < minPasswordLength {
		return nil, invalid(HashPasswordName, "password must be a string of at least %d characters", minPasswordLength)
	}

	cost := a.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return nil, invalid(HashPasswordName, "password is longer than 72 bytes")
	}
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	return execution.Payload{"password_hash": string(hash)}, nil
}

// CheckPassword reports whether password matches a hash produced by
// HashPassword.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

var _ activity.Activity = (*HashPassword)(nil)
