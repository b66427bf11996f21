package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrShuttingDown = errors.New("session manager shutting down")
)

type entry struct {
	conv      Conversation
	createdAt time.Time
	doneAt    time.Time
}

// Manager owns the map from session id to conversation actor. It never
// mutates session state itself; it only forwards requests to the owner.
type Manager struct {
	mu             sync.RWMutex
	sessions       map[string]*entry
	factory        Factory
	evictionGrace  time.Duration
	pendingTimeout time.Duration
	onEvict        func(Session)
	closed         bool
}

func NewManager(factory Factory, evictionGrace, pendingTimeout time.Duration) *Manager {
	if evictionGrace <= 0 {
		evictionGrace = 30 * time.Second
	}
	if pendingTimeout <= 0 {
		pendingTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions:       make(map[string]*entry),
		factory:        factory,
		evictionGrace:  evictionGrace,
		pendingTimeout: pendingTimeout,
	}
}

// SetEvictHook registers a callback run after a finished session leaves the registry.
func (m *Manager) SetEvictHook(hook func(Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvict = hook
}

// Start creates a pending session and its conversation actor.
func (m *Manager) Start(ctx context.Context, cfg StartConfig) (Conversation, error) {
	if m.factory == nil {
		return nil, errors.New("session factory not configured")
	}
	cfg.UserID = strings.TrimSpace(cfg.UserID)
	cfg.ScenarioID = strings.TrimSpace(cfg.ScenarioID)

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrShuttingDown
	}

	id := uuid.NewString()
	conv, err := m.factory(ctx, id, cfg)
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		conv.End(EndForced)
		return nil, ErrShuttingDown
	}
	m.sessions[id] = &entry{conv: conv, createdAt: time.Now()}
	return conv, nil
}

func (m *Manager) Get(sessionID string) (Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return e.conv, nil
}

// End forwards an end request to the owning conversation.
func (m *Manager) End(sessionID string, reason EndReason) (Session, error) {
	conv, err := m.Get(sessionID)
	if err != nil {
		return Session{}, err
	}
	return conv.End(reason), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep(time.Now())
			}
		}
	}()
}

// ActiveCount counts sessions that have not reached a terminal status.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.sessions {
		if !e.conv.Snapshot().Status.Terminal() {
			count++
		}
	}
	return count
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown stops accepting sessions, force-ends the live ones and waits for
// their actors to finish or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	convs := make([]Conversation, 0, len(m.sessions))
	for _, e := range m.sessions {
		convs = append(convs, e.conv)
	}
	m.mu.Unlock()

	for _, c := range convs {
		c.End(EndForced)
	}
	for _, c := range convs {
		select {
		case <-c.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Manager) sweep(now time.Time) {
	var (
		evicted []Session
		stale   []Conversation
	)

	m.mu.Lock()
	for id, e := range m.sessions {
		select {
		case <-e.conv.Done():
			if e.doneAt.IsZero() {
				e.doneAt = now
			}
			if now.Sub(e.doneAt) >= m.evictionGrace {
				evicted = append(evicted, e.conv.Snapshot())
				delete(m.sessions, id)
			}
			continue
		default:
		}
		if now.Sub(e.createdAt) >= m.pendingTimeout && e.conv.Snapshot().Status == StatusPending {
			stale = append(stale, e.conv)
		}
	}
	hook := m.onEvict
	m.mu.Unlock()

	for _, c := range stale {
		c.End(EndForced)
	}
	if hook != nil {
		for _, s := range evicted {
			hook(s)
		}
	}
}
