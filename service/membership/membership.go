// Package membership resolves conversation participants when a bus event
// arrives without them. Membership itself is owned by the CRUD tier; these
// are read-only clients.
package membership

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type Lookup interface {
	GetConversationParticipants(ctx context.Context, conversationID string) ([]string, error)
}

type Backend string

const (
	BackendNone     Backend = "none"
	BackendPostgres Backend = "postgres"
	BackendMongo    Backend = "mongo"
)

func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case "", BackendNone:
		return BackendNone, nil
	case BackendPostgres, BackendMongo:
		return b, nil
	default:
		return "", fmt.Errorf("unknown membership backend %q (none/postgres/mongo)", s)
	}
}

// Static serves a fixed table. Used when no backend is configured and in
// tests.
type Static struct {
	mu    sync.RWMutex
	convs map[string][]string
}

func NewStatic(convs map[string][]string) *Static {
	s := &Static{convs: make(map[string][]string, len(convs))}
	for id, users := range convs {
		s.convs[id] = append([]string(nil), users...)
	}
	return s
}

func (s *Static) Set(conversationID string, users []string) {
	s.mu.Lock()
	s.convs[conversationID] = append([]string(nil), users...)
	s.mu.Unlock()
}

func (s *Static) GetConversationParticipants(_ context.Context, conversationID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.convs[conversationID]...), nil
}
