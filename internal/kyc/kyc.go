// Package kyc exposes the compliance collaborator consumed by the risk validator.
package kyc

import (
	"context"
	"sync"
)

// Level is the verification tier a user has completed.
type Level string

const (
	LevelNone     Level = "none"
	LevelBasic    Level = "basic"
	LevelEnhanced Level = "enhanced"
)

// Status is a user's current verification state.
type Status struct {
	UserID   string `json:"userId"`
	Verified bool   `json:"verified"`
	Level    Level  `json:"level"`
}

// Service answers verification lookups. Implementations call out to the
// compliance platform; lookups are read-only.
type Service interface {
	Status(ctx context.Context, userID string) (*Status, error)
}

// MemoryService is an in-memory implementation for development and tests.
type MemoryService struct {
	mu       sync.RWMutex
	statuses map[string]*Status
}

// NewMemoryService creates an empty in-memory KYC service. Unknown users
// resolve to unverified.
func NewMemoryService() *MemoryService {
	return &MemoryService{statuses: make(map[string]*Status)}
}

// Set records a user's verification state.
func (m *MemoryService) Set(userID string, verified bool, level Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[userID] = &Status{UserID: userID, Verified: verified, Level: level}
}

func (m *MemoryService) Status(ctx context.Context, userID string) (*Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.statuses[userID]; ok {
		cp := *s
		return &cp, nil
	}
	return &Status{UserID: userID, Verified: false, Level: LevelNone}, nil
}
