// Package session holds per-conversation state: the append-only turn
// history, the selected database, and expiry bookkeeping.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one utterance or response in a conversation. Turns are never
// reordered or deleted except by whole-session expiry or reset.
type Turn struct {
	TurnID     string
	Role       Role
	Text       string
	DatabaseID string
	Payload    json.RawMessage
	CreatedAt  time.Time
}

// ExpiredError signals that the session timed out; the caller must start a
// new one.
type ExpiredError struct {
	SessionID string
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("session: %q expired", e.SessionID)
}

// TurnSink receives every appended turn for durable audit logging.
type TurnSink interface {
	AppendTurn(ctx context.Context, sessionID string, turn Turn) error
}

// Session is the mutable conversation state. Appends are serialized by a
// per-session lock so concurrent requests cannot interleave histories.
type Session struct {
	ID string

	mu         sync.Mutex
	turns      []Turn
	selectedDB string
	lastActive time.Time
	sink       TurnSink
}

// Append adds a turn in submission order. A cancelled context appends
// nothing. Sink failures are reported but the turn is still recorded in
// memory; the caller decides whether an audit gap is fatal.
func (s *Session) Append(ctx context.Context, turn Turn) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(ctx, turn)
}

// AppendExchange adds a question and its response under one critical section,
// so two concurrent exchanges on the same session can never interleave their
// turn pairs. Both turns are recorded in memory even when the sink fails.
func (s *Session) AppendExchange(ctx context.Context, userTurn, assistantTurn Turn) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	userErr := s.appendLocked(ctx, userTurn)
	assistantErr := s.appendLocked(ctx, assistantTurn)
	return errors.Join(userErr, assistantErr)
}

func (s *Session) appendLocked(ctx context.Context, turn Turn) error {
	if turn.TurnID == "" {
		turn.TurnID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	s.turns = append(s.turns, turn)
	s.lastActive = time.Now()

	if s.sink != nil {
		if err := s.sink.AppendTurn(ctx, s.ID, turn); err != nil {
			return fmt.Errorf("persist turn: %w", err)
		}
	}
	return nil
}

// Recent returns the trailing turns whose approximate token total fits the
// budget, oldest dropped first. A non-positive budget returns all turns.
func (s *Session) Recent(limitTokens int) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limitTokens <= 0 {
		return append([]Turn(nil), s.turns...)
	}

	total := 0
	start := len(s.turns)
	for i := len(s.turns) - 1; i >= 0; i-- {
		cost := approxTokens(s.turns[i].Text)
		if total+cost > limitTokens && start < len(s.turns) {
			break
		}
		total += cost
		start = i
		if total >= limitTokens {
			break
		}
	}
	return append([]Turn(nil), s.turns[start:]...)
}

// SelectDatabase changes resolution for future turns only; history is never
// rewritten.
func (s *Session) SelectDatabase(databaseID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectedDB = databaseID
	s.lastActive = time.Now()
}

func (s *Session) SelectedDatabase() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedDB
}

// Reset clears turns and the database selection. Indexed schema state is
// per-database and is not touched.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = nil
	s.selectedDB = ""
	s.lastActive = time.Now()
}

func (s *Session) TurnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// approxTokens estimates the token cost of a text as its word count.
func approxTokens(text string) int {
	return len(strings.Fields(text))
}

// Manager owns the live sessions and applies the inactivity timeout.
type Manager struct {
	timeout time.Duration
	sink    TurnSink
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(timeout time.Duration, sink TurnSink) *Manager {
	return &Manager{
		timeout:  timeout,
		sink:     sink,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Get returns the live session for an id, creating one on first use. An idle
// session past the timeout is removed and reported as expired; the caller
// starts over with a fresh id or a second call.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if existing, ok := m.sessions[sessionID]; ok {
		existing.mu.Lock()
		idle := now.Sub(existing.lastActive)
		existing.mu.Unlock()
		if m.timeout > 0 && idle > m.timeout {
			delete(m.sessions, sessionID)
			return nil, &ExpiredError{SessionID: sessionID}
		}
		return existing, nil
	}

	created := &Session{ID: sessionID, lastActive: now, sink: m.sink}
	m.sessions[sessionID] = created
	return created, nil
}

// Remove drops a session outright, e.g. on explicit logout.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}
