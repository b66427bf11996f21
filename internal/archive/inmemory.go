package archive

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps everything in process. Used for local runs and tests.
type InMemoryStore struct {
	mu       sync.RWMutex
	turns    map[string][]TurnRecord
	handoffs map[string]*HandoffRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		turns:    make(map[string][]TurnRecord),
		handoffs: make(map[string]*HandoffRecord),
	}
}

func (s *InMemoryStore) SaveTurn(_ context.Context, record TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	arr := s.turns[record.SessionID]
	for i, existing := range arr {
		if existing.Sequence == record.Sequence {
			arr[i] = record
			return nil
		}
	}
	arr = append(arr, record)
	sort.Slice(arr, func(i, j int) bool { return arr[i].Sequence < arr[j].Sequence })
	s.turns[record.SessionID] = arr
	return nil
}

func (s *InMemoryStore) SessionTurns(_ context.Context, sessionID string) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.turns[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	return append([]TurnRecord(nil), arr...), nil
}

func (s *InMemoryStore) EnqueueHandoff(_ context.Context, sessionID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handoffs[sessionID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandoff, sessionID)
	}
	s.handoffs[sessionID] = &HandoffRecord{
		SessionID: sessionID,
		Payload:   append([]byte(nil), payload...),
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

func (s *InMemoryStore) PendingHandoffs(_ context.Context, limit int) ([]HandoffRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]HandoffRecord, 0)
	for _, r := range s.handoffs {
		if !r.Delivered() {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) MarkHandoffDelivered(_ context.Context, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.handoffs[sessionID]
	if !ok {
		return fmt.Errorf("mark delivered: no handoff for session %s", sessionID)
	}
	r.DeliveredAt = at.UTC()
	r.LastError = ""
	return nil
}

func (s *InMemoryStore) RecordHandoffAttempt(_ context.Context, sessionID string, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.handoffs[sessionID]
	if !ok {
		return fmt.Errorf("record attempt: no handoff for session %s", sessionID)
	}
	r.Attempts++
	r.LastError = lastErr
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
