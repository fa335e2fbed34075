// Package conversation tracks per-session message history so follow-up
// questions can be answered with prior context.
package conversation

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxMessages bounds a session's history; both user and
// assistant messages count, so this is five exchanges.
const DefaultMaxMessages = 10

// Roles a message can carry.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Message is one turn in a session. Immutable once appended.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Export is a session snapshot suitable for serialization.
type Export struct {
	SessionID    string    `json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	Messages     []Message `json:"messages"`
}

type session struct {
	id           string
	messages     []Message
	createdAt    time.Time
	lastActiveAt time.Time
}

// Memory holds all live sessions. Sessions are created lazily on first
// use and exist only for the lifetime of the process.
type Memory struct {
	mu          sync.RWMutex
	sessions    map[string]*session
	maxMessages int
	clock       Clock
}

// NewMemory creates a Memory bounding each session to maxMessages.
// Non-positive maxMessages falls back to the default.
func NewMemory(maxMessages int) *Memory {
	return NewMemoryWithClock(maxMessages, realClock{})
}

// NewMemoryWithClock creates a Memory with a custom clock (for testing).
func NewMemoryWithClock(maxMessages int, clock Clock) *Memory {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &Memory{
		sessions:    make(map[string]*session),
		maxMessages: maxMessages,
		clock:       clock,
	}
}

// GetOrCreate returns the id of the session, creating it when the id is
// empty or unseen. An empty id gets a fresh UUID.
func (m *Memory) GetOrCreate(sessionID string) string {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.getOrCreateLocked(sessionID)
	return sessionID
}

func (m *Memory) getOrCreateLocked(sessionID string) *session {
	s, ok := m.sessions[sessionID]
	if !ok {
		now := m.clock.Now()
		s = &session{id: sessionID, createdAt: now, lastActiveAt: now}
		m.sessions[sessionID] = s
	}
	return s
}

// Append records a message on the session, creating the session when
// needed and dropping the oldest message once the bound is exceeded.
func (m *Memory) Append(sessionID, role, content string) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getOrCreateLocked(sessionID)
	s.messages = append(s.messages, Message{Role: role, Content: content, Timestamp: now})
	if overflow := len(s.messages) - m.maxMessages; overflow > 0 {
		s.messages = append([]Message(nil), s.messages[overflow:]...)
	}
	s.lastActiveAt = now
}

// History returns a copy of the session's messages, oldest first.
// The second return is false for an unknown session.
func (m *Memory) History(sessionID string) ([]Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return append([]Message(nil), s.messages...), true
}

// RecentHistory returns the last k messages of the session, oldest
// first. Unknown sessions yield nil.
func (m *Memory) RecentHistory(sessionID string, k int) []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok || k <= 0 {
		return nil
	}
	msgs := s.messages
	if len(msgs) > k {
		msgs = msgs[len(msgs)-k:]
	}
	return append([]Message(nil), msgs...)
}

// Turns returns how many messages the session holds. Zero for unknown
// sessions.
func (m *Memory) Turns(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return 0
	}
	return len(s.messages)
}

// Count returns the number of live sessions.
func (m *Memory) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Clear forgets the session. Returns false when the session was not
// known; callers treat that as "nothing to do", not an error.
func (m *Memory) Clear(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return false
	}
	delete(m.sessions, sessionID)
	return true
}

// Export returns a serializable snapshot of the session.
func (m *Memory) Export(sessionID string) (Export, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return Export{}, false
	}
	return Export{
		SessionID:    s.id,
		CreatedAt:    s.createdAt,
		LastActiveAt: s.lastActiveAt,
		Messages:     append([]Message(nil), s.messages...),
	}, true
}

// EvictIdle drops sessions whose last activity is older than the given
// age and returns how many were dropped. Used by the daemon's optional
// housekeeping sweep.
func (m *Memory) EvictIdle(olderThan time.Duration) int {
	cutoff := m.clock.Now().Add(-olderThan)

	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []string
	for id, s := range m.sessions {
		if s.lastActiveAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(m.sessions, id)
	}
	return len(stale)
}

// Anaphoric cues that mark a query as depending on prior turns. Single
// words match whole words; phrases match as substrings.
var (
	followUpWords = map[string]bool{
		"and":          true,
		"also":         true,
		"too":          true,
		"additionally": true,
	}
	followUpPhrases = []string{
		"what about",
		"how about",
		"what if",
		"can i also",
		"do you also",
		"is there",
		"another question",
		"one more",
	}
)

// shortQueryWords is the word count at or below which a query is
// assumed to lean on prior context.
const shortQueryWords = 3

// IsFollowUp reports whether the query likely depends on earlier turns
// of the session. Heuristic and deliberately cheap: a session with no
// history never yields a follow-up, otherwise short queries and
// anaphoric cues count. Deterministic for identical input.
func (m *Memory) IsFollowUp(sessionID, query string) bool {
	if m.Turns(sessionID) == 0 {
		return false
	}

	q := strings.ToLower(strings.TrimSpace(query))
	words := strings.Fields(q)
	if len(words) > 0 && len(words) <= shortQueryWords {
		return true
	}
	for _, w := range words {
		if followUpWords[strings.TrimRight(w, "?!.,")] {
			return true
		}
	}
	for _, phrase := range followUpPhrases {
		if strings.Contains(q, phrase) {
			return true
		}
	}
	return false
}
