// Package session holds the durable per-client state of the gateway: the
// conversation history with its trimming invariants, the playbook runtime,
// the pending vision queue, and the turn slot that serializes pipeline
// runs. A session outlives any single control connection and is looked up
// by id on reconnect until it idles past the store TTL.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/internal/playbook"
	"github.com/parley-ai/parley/pkg/provider/llm"
)

// Session is the per-client state spanning connections. The supervisor and
// the turn runner both hold references; the session references neither, so
// it cleanly outlives a dropped connection.
//
// At most one turn runs per session. Runners serialize through
// [Session.BeginTurn]; barge-in aborts the active one through
// [Session.CancelActiveTurn].
//
// All methods are safe for concurrent use.
type Session struct {
	// ID identifies the session in ready and reconnect-ack messages.
	ID string

	// CreatedAt is when the session was first created.
	CreatedAt time.Time

	history  *History
	playbook *playbook.Runtime

	turnSlot  chan struct{}
	ttsActive atomic.Bool

	mu           sync.Mutex
	lastActivity time.Time
	pending      []llm.VisionAttachment
	cancelTurn   context.CancelFunc
}

func newSession(historyLimit int, rt *playbook.Runtime) *Session {
	now := time.Now()
	return &Session{
		ID:           uuid.New().String(),
		CreatedAt:    now,
		history:      NewHistory(historyLimit),
		playbook:     rt,
		turnSlot:     make(chan struct{}, 1),
		lastActivity: now,
	}
}

// History returns the session's conversation record.
func (s *Session) History() *History { return s.history }

// Playbook returns the playbook runtime, or nil when the session runs the
// simple pipeline.
func (s *Session) Playbook() *playbook.Runtime { return s.playbook }

// Touch updates the last-activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the last-activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// EnqueueAttachments queues vision payloads for the next utterance.
func (s *Session) EnqueueAttachments(atts ...llm.VisionAttachment) {
	if len(atts) == 0 {
		return
	}
	s.mu.Lock()
	s.pending = append(s.pending, atts...)
	s.mu.Unlock()
}

// DrainAttachments removes and returns all queued vision payloads in one
// step. Utterance assembly calls this once per utterance, so an image sent
// between turns rides on exactly one user message.
func (s *Session) DrainAttachments() []llm.VisionAttachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

// BeginTurn acquires the session's turn slot, blocking while another turn
// is active, and returns the release func the turn must call when done.
// Calling release more than once is harmless. Returns ctx.Err() if ctx
// ends before the slot frees up.
func (s *Session) BeginTurn(ctx context.Context) (func(), error) {
	select {
	case s.turnSlot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-s.turnSlot })
	}, nil
}

// TurnActive reports whether a turn currently holds the turn slot.
func (s *Session) TurnActive() bool {
	return len(s.turnSlot) > 0
}

// SetCancelTurn registers the in-flight turn's cancel func so barge-in and
// disconnect handling can abort it. Pass nil to deregister.
func (s *Session) SetCancelTurn(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancelTurn = cancel
	s.mu.Unlock()
}

// CancelActiveTurn aborts the in-flight turn, if any, and reports whether
// a cancel fired. The registered func is cleared, so repeated calls are
// no-ops until the next turn registers one.
func (s *Session) CancelActiveTurn() bool {
	s.mu.Lock()
	cancel := s.cancelTurn
	s.cancelTurn = nil
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// SetTTSActive flags whether synthesized audio is currently playing out.
func (s *Session) SetTTSActive(active bool) { s.ttsActive.Store(active) }

// TTSActive reports whether synthesized audio is currently playing out.
// Barge-in only cancels the turn while this is set.
func (s *Session) TTSActive() bool { return s.ttsActive.Load() }
