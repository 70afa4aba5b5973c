package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/parley-ai/parley/internal/playbook"
)

// Default store parameters.
const (
	// DefaultTTL is how long an idle session survives before expiry.
	DefaultTTL = 30 * time.Minute

	// DefaultSweepInterval is the default period between sweeper passes.
	DefaultSweepInterval = 5 * time.Minute
)

// Store is a concurrent map of live sessions keyed by id. Sessions persist
// across control connections until idle past TTL; a background sweeper
// removes expired entries.
//
// All methods are safe for concurrent use.
type Store struct {
	ttl           time.Duration
	sweepInterval time.Duration
	historyLimit  int
	onEvict       func(*Session)

	mu       sync.Mutex
	sessions map[string]*Session
	done     chan struct{}
	stopOnce sync.Once
}

// StoreConfig configures a [Store].
type StoreConfig struct {
	// TTL is the idle lifetime of a session. Defaults to 30 minutes if zero.
	TTL time.Duration

	// SweepInterval is how often the sweeper scans for expired sessions.
	// Defaults to 5 minutes if zero.
	SweepInterval time.Duration

	// HistoryLimit is the windowed-history size for new sessions. Defaults
	// to [DefaultHistoryWindow] if zero.
	HistoryLimit int

	// OnEvict is called, outside the store lock, for every session the
	// store expires, whether during a sweep or lazily in GetIfLive.
	// Explicit Remove and Destroy do not trigger it. May be nil.
	OnEvict func(*Session)
}

// NewStore creates a new [Store] with the given configuration. Call
// [Store.Start] to launch the expiry sweeper.
func NewStore(cfg StoreConfig) *Store {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = DefaultSweepInterval
	}
	return &Store{
		ttl:           ttl,
		sweepInterval: sweep,
		historyLimit:  cfg.HistoryLimit,
		onEvict:       cfg.OnEvict,
		sessions:      make(map[string]*Session),
		done:          make(chan struct{}),
	}
}

// Start launches the expiry sweeper in a background goroutine. The
// goroutine runs until [Store.Destroy] is called or ctx is cancelled.
func (st *Store) Start(ctx context.Context) {
	go st.loop(ctx)
}

// Create registers a new session under a fresh id. rt may be nil for
// sessions running the simple pipeline.
func (st *Store) Create(rt *playbook.Runtime) *Session {
	sess := newSession(st.historyLimit, rt)
	st.mu.Lock()
	st.sessions[sess.ID] = sess
	st.mu.Unlock()

	slog.Debug("session created", "session_id", sess.ID, "playbook", rt != nil)
	return sess
}

// GetIfLive returns the session with the given id if it exists and has not
// idled past TTL, refreshing its last-activity timestamp. An expired entry
// is removed on the spot and (nil, false) returned.
func (st *Store) GetIfLive(id string) (*Session, bool) {
	st.mu.Lock()
	sess, ok := st.sessions[id]
	if !ok {
		st.mu.Unlock()
		return nil, false
	}
	if time.Since(sess.LastActivity()) > st.ttl {
		delete(st.sessions, id)
		st.mu.Unlock()
		slog.Debug("session expired on lookup", "session_id", id)
		if st.onEvict != nil {
			st.onEvict(sess)
		}
		return nil, false
	}
	st.mu.Unlock()

	sess.Touch()
	return sess, true
}

// Touch refreshes the session's last-activity timestamp and reports
// whether the session exists.
func (st *Store) Touch(id string) bool {
	st.mu.Lock()
	sess, ok := st.sessions[id]
	st.mu.Unlock()
	if !ok {
		return false
	}
	sess.Touch()
	return true
}

// Remove deletes the session with the given id, if present.
func (st *Store) Remove(id string) {
	st.mu.Lock()
	delete(st.sessions, id)
	st.mu.Unlock()
}

// HasLive reports whether a session with the given id exists and has not
// expired. Unlike [Store.GetIfLive] it does not refresh last activity.
func (st *Store) HasLive(id string) bool {
	st.mu.Lock()
	sess, ok := st.sessions[id]
	st.mu.Unlock()
	if !ok {
		return false
	}
	return time.Since(sess.LastActivity()) <= st.ttl
}

// Len returns the number of stored sessions, expired ones included until
// the next sweep.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Destroy stops the sweeper and drops all sessions. Safe to call multiple
// times.
func (st *Store) Destroy() {
	st.stopOnce.Do(func() {
		close(st.done)
	})
	st.mu.Lock()
	st.sessions = make(map[string]*Session)
	st.mu.Unlock()
}

// loop runs the periodic expiry sweeper.
func (st *Store) loop(ctx context.Context) {
	ticker := time.NewTicker(st.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-st.done:
			return
		case <-ticker.C:
			st.sweep(time.Now())
		}
	}
}

// sweep removes sessions whose idle time exceeds TTL as of now.
func (st *Store) sweep(now time.Time) {
	var evicted []*Session

	st.mu.Lock()
	for id, sess := range st.sessions {
		if now.Sub(sess.LastActivity()) > st.ttl {
			delete(st.sessions, id)
			evicted = append(evicted, sess)
		}
	}
	st.mu.Unlock()

	if len(evicted) == 0 {
		return
	}
	slog.Info("swept expired sessions", "count", len(evicted), "ttl", st.ttl)
	if st.onEvict != nil {
		for _, sess := range evicted {
			st.onEvict(sess)
		}
	}
}
