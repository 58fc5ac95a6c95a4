// Package session owns the gateway-side session table: the in-memory session
// map, the agent-session alias map, per-session sequence counters, and
// recovery of in-flight sessions across restarts.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentpager/agentpager/internal/agent/adapter"
	"github.com/agentpager/agentpager/internal/common/logger"
	"github.com/agentpager/agentpager/internal/store"
)

var (
	// ErrSessionLimit is returned when the concurrent session cap is reached.
	ErrSessionLimit = errors.New("session limit reached")
	// ErrNotFound is returned when no session matches the given id.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidTransition is returned for a status change the state machine
	// does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Session is the in-memory handle for one agent execution. The persisted
// form lives in the store; SeqCounter and LastBroadcastText are memory-only.
type Session struct {
	ID           string
	Agent        string
	AgentVersion string
	Task         string
	Cwd          string
	TmuxSession  string
	Status       string
	AutoApprove  bool
	Metadata     map[string]interface{}
	CreatedAt    time.Time

	SeqCounter        int64
	LastBroadcastText string
}

// Store is the persistence surface the manager writes through.
type Store interface {
	CreateSession(ctx context.Context, sess *store.Session) error
	UpdateStatus(ctx context.Context, id, status string) error
	UpdateTmuxSession(ctx context.Context, id, tmuxSession string) error
	ListSessions(ctx context.Context, activeOnly bool) ([]*store.Session, error)
	LatestSeq(ctx context.Context, sessionID string) (int64, error)
}

// Mux is the multiplexer surface used during recovery.
type Mux interface {
	ListSessions(ctx context.Context) []string
}

// Manager owns the session and alias maps. All mutations are serialized by
// one mutex; the maps are read-heavy.
type Manager struct {
	store    Store
	mux      Mux
	registry *adapter.Registry
	logger   *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session // gateway id -> handle
	aliases  map[string]string   // agent session id -> gateway id
	maxSize  int
}

// NewManager creates a session manager.
func NewManager(st Store, mux Mux, reg *adapter.Registry, maxSessions int, log *logger.Logger) *Manager {
	return &Manager{
		store:    st,
		mux:      mux,
		registry: reg,
		logger:   log.WithFields(zap.String("component", "session-manager")),
		sessions: make(map[string]*Session),
		aliases:  make(map[string]string),
		maxSize:  maxSessions,
	}
}

// CreateRequest holds the parameters for a new session.
type CreateRequest struct {
	Agent       string
	Task        string
	Cwd         string
	AutoApprove bool
	Metadata    map[string]interface{}
}

// Create allocates a new session: gateway UUID, multiplexer session name
// `<adapter-prefix>-<uuid-prefix>`, persisted with status created.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	m.mu.RLock()
	active := len(m.sessions)
	m.mu.RUnlock()
	if active >= m.maxSize {
		return nil, ErrSessionLimit
	}

	id := uuid.New().String()
	prefix := "ap"
	if a, ok := m.registry.Get(req.Agent); ok {
		prefix = a.SessionPrefix()
	}
	tmuxName := fmt.Sprintf("%s-%s", prefix, id[:8])

	sess := &Session{
		ID:          id,
		Agent:       req.Agent,
		Task:        req.Task,
		Cwd:         req.Cwd,
		TmuxSession: tmuxName,
		Status:      store.StatusCreated,
		AutoApprove: req.AutoApprove,
		Metadata:    req.Metadata,
		CreatedAt:   time.Now().UTC(),
	}

	if err := m.store.CreateSession(ctx, &store.Session{
		ID:          sess.ID,
		Agent:       sess.Agent,
		Task:        sess.Task,
		Cwd:         sess.Cwd,
		TmuxSession: sess.TmuxSession,
		Status:      sess.Status,
		AutoApprove: sess.AutoApprove,
		Metadata:    sess.Metadata,
	}); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	m.logger.Info("created session",
		zap.String("session_id", id),
		zap.String("agent", req.Agent),
		zap.String("tmux_session", tmuxName))
	return sess, nil
}

// Get returns the session for a gateway id, falling back to the alias map.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sess, ok := m.sessions[id]; ok {
		return sess, true
	}
	if gatewayID, ok := m.aliases[id]; ok {
		sess, ok := m.sessions[gatewayID]
		return sess, ok
	}
	return nil, false
}

// MapAgentSession records an alias from the agent's own session id to the
// gateway session id. Called on every hook event carrying a session_id.
func (m *Manager) MapAgentSession(agentID, gatewayID string) {
	if agentID == "" || agentID == gatewayID {
		return
	}
	m.mu.Lock()
	m.aliases[agentID] = gatewayID
	m.mu.Unlock()
}

// ListActive returns all non-terminal sessions currently held in memory.
func (m *Manager) ListActive() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		result = append(result, sess)
	}
	return result
}

// FirstActiveByAgent returns any active session for the given agent name.
func (m *Manager) FirstActiveByAgent(agent string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sess := range m.sessions {
		if sess.Agent == agent {
			return sess, true
		}
	}
	return nil, false
}

// validTransitions is the session status state machine.
var validTransitions = map[string][]string{
	store.StatusCreated: {store.StatusRunning, store.StatusError, store.StatusStopped},
	store.StatusRunning: {store.StatusWaiting, store.StatusStopped, store.StatusDone, store.StatusError},
	store.StatusWaiting: {store.StatusRunning, store.StatusStopped, store.StatusDone, store.StatusError},
}

func transitionAllowed(from, to string) bool {
	if from == to {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SetStatus transitions a session's status, writing through to the store.
// Terminal transitions remove the handle from the active table but keep the
// persisted row.
func (m *Manager) SetStatus(ctx context.Context, id, status string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if !transitionAllowed(sess.Status, status) {
		from := sess.Status
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}
	sess.Status = status
	if store.IsTerminalStatus(status) {
		delete(m.sessions, id)
		for alias, gw := range m.aliases {
			if gw == id {
				delete(m.aliases, alias)
			}
		}
	}
	m.mu.Unlock()

	if err := m.store.UpdateStatus(ctx, id, status); err != nil {
		return fmt.Errorf("failed to persist status: %w", err)
	}
	return nil
}

// SetTmuxSession updates the multiplexer session name on the handle and
// persists the change.
func (m *Manager) SetTmuxSession(ctx context.Context, id, tmuxName string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	sess.TmuxSession = tmuxName
	m.mu.Unlock()
	return m.store.UpdateTmuxSession(ctx, id, tmuxName)
}

// NextSeq allocates the next per-session sequence number. When the handle is
// absent (event insertion on a stopped session after restart) it falls back
// to the store's latest seq.
func (m *Manager) NextSeq(ctx context.Context, id string) int64 {
	m.mu.Lock()
	if sess, ok := m.sessions[id]; ok {
		sess.SeqCounter++
		seq := sess.SeqCounter
		m.mu.Unlock()
		return seq
	}
	m.mu.Unlock()

	latest, err := m.store.LatestSeq(ctx, id)
	if err != nil {
		m.logger.Warn("failed to read latest seq", zap.String("session_id", id), zap.Error(err))
	}
	return latest + 1
}

// LastBroadcastText returns the dedup marker for message broadcasts.
func (m *Manager) LastBroadcastText(id string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sess, ok := m.sessions[id]; ok {
		return sess.LastBroadcastText
	}
	return ""
}

// SetLastBroadcastText records the dedup marker for message broadcasts.
func (m *Manager) SetLastBroadcastText(id, text string) {
	m.mu.Lock()
	if sess, ok := m.sessions[id]; ok {
		sess.LastBroadcastText = text
	}
	m.mu.Unlock()
}

// Recover rebuilds the in-memory table from persisted non-terminal sessions.
// Sessions whose multiplexer session is still alive are rehydrated (adapter
// resolved by prefix); the rest are forced to stopped.
func (m *Manager) Recover(ctx context.Context) error {
	persisted, err := m.store.ListSessions(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to list sessions for recovery: %w", err)
	}

	live := make(map[string]bool)
	for _, name := range m.mux.ListSessions(ctx) {
		live[name] = true
	}

	restored, cleaned := 0, 0
	for _, p := range persisted {
		if p.TmuxSession != "" && live[p.TmuxSession] {
			agent := p.Agent
			if a, ok := m.registry.FindByPrefix(p.TmuxSession); ok {
				agent = a.Name()
			}
			seq, err := m.store.LatestSeq(ctx, p.ID)
			if err != nil {
				m.logger.Warn("failed to read latest seq during recovery",
					zap.String("session_id", p.ID), zap.Error(err))
			}
			m.mu.Lock()
			m.sessions[p.ID] = &Session{
				ID:          p.ID,
				Agent:       agent,
				Task:        p.Task,
				Cwd:         p.Cwd,
				TmuxSession: p.TmuxSession,
				Status:      p.Status,
				AutoApprove: p.AutoApprove,
				Metadata:    p.Metadata,
				CreatedAt:   p.CreatedAt,
				SeqCounter:  seq,
			}
			m.mu.Unlock()
			restored++
		} else {
			if err := m.store.UpdateStatus(ctx, p.ID, store.StatusStopped); err != nil {
				m.logger.Warn("failed to mark stale session stopped",
					zap.String("session_id", p.ID), zap.Error(err))
			}
			cleaned++
		}
	}

	m.logger.Info("session recovery complete",
		zap.Int("restored", restored), zap.Int("cleaned", cleaned))
	return nil
}

// Size returns the number of active in-memory sessions.
func (m *Manager) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
