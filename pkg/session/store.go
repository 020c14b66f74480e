// Package session keeps bounded per-session chat histories in memory.
//
// Sessions are spread across shards keyed by a hash of the session id so
// that lookups for unrelated sessions do not contend on a single lock. Each
// session additionally owns a mutex that serialises mutations of its turns.
package session

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pario-ai/chatrelay/pkg/models"
)

const (
	// DefaultMaxTurns is the number of human/ai exchanges kept per session.
	DefaultMaxTurns = 10
	defaultShards   = 32
)

// ErrEmptyID is returned when a mutation is attempted without a session id.
var ErrEmptyID = errors.New("session id is required")

// Options configures a Store.
type Options struct {
	// MaxTurns is the number of exchanges retained; the history holds at
	// most 2*MaxTurns turns.
	MaxTurns int
	Shards   int
	Now      func() time.Time
}

// Session is a single conversation. Turns are guarded by mu.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu         sync.Mutex
	turns      []models.ChatTurn
	lastActive time.Time
}

// LastActive returns the time of the last resolve or mutation.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Store maps session ids to bounded chat histories.
type Store struct {
	shards   []*shard
	maxTurns int
	now      func() time.Time
}

// New creates an empty Store.
func New(opts Options) *Store {
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = DefaultMaxTurns
	}
	if opts.Shards <= 0 {
		opts.Shards = defaultShards
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Store{
		shards:   make([]*shard, opts.Shards),
		maxTurns: opts.MaxTurns,
		now:      opts.Now,
	}
	for i := range s.shards {
		s.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return s
}

// MaxTurns returns the configured exchange cap.
func (s *Store) MaxTurns() int {
	return s.maxTurns
}

func (s *Store) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Resolve returns the session for id, creating it when unknown. An empty id
// gets a freshly generated UUID. The returned bool reports whether the
// session was created by this call.
func (s *Store) Resolve(id string) (*Session, bool) {
	if id == "" {
		id = uuid.NewString()
	}
	sh := s.shardFor(id)
	now := s.now()

	sh.mu.RLock()
	sess, ok := sh.sessions[id]
	sh.mu.RUnlock()
	if ok {
		sess.touch(now)
		return sess, false
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	// Another request may have created it between the two locks.
	if sess, ok := sh.sessions[id]; ok {
		sess.touch(now)
		return sess, false
	}
	sess = &Session{ID: id, CreatedAt: now, lastActive: now}
	sh.sessions[id] = sess
	return sess, true
}

func (s *Store) lookup(id string) (*Session, bool) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	sess, ok := sh.sessions[id]
	return sess, ok
}

// Reset clears every turn of the session. Unknown ids are created empty.
func (s *Store) Reset(id string) error {
	if id == "" {
		return ErrEmptyID
	}
	sess, _ := s.Resolve(id)
	sess.mu.Lock()
	sess.turns = nil
	sess.lastActive = s.now()
	sess.mu.Unlock()
	return nil
}

// Append adds a human/ai exchange and trims the oldest turns until the
// history fits within 2*MaxTurns.
func (s *Store) Append(id string, human, ai models.ChatTurn) error {
	return s.appendTurns(id, false, human, ai)
}

// ResetAndAppend clears the session and appends one exchange under a
// single lock acquisition.
func (s *Store) ResetAndAppend(id string, human, ai models.ChatTurn) error {
	return s.appendTurns(id, true, human, ai)
}

func (s *Store) appendTurns(id string, reset bool, turns ...models.ChatTurn) error {
	if id == "" {
		return ErrEmptyID
	}
	sess, _ := s.Resolve(id)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if reset {
		sess.turns = nil
	}
	sess.turns = append(sess.turns, turns...)
	sess.turns = trim(sess.turns, 2*s.maxTurns)
	sess.lastActive = s.now()
	return nil
}

// trim drops turns from the front until len(turns) <= limit. limit is
// even, so an even history loses whole pairs and a mid-exchange history
// also loses its odd leading turn.
func trim(turns []models.ChatTurn, limit int) []models.ChatTurn {
	excess := len(turns) - limit
	if excess <= 0 {
		return turns
	}
	kept := make([]models.ChatTurn, len(turns)-excess)
	copy(kept, turns[excess:])
	return kept
}

// Snapshot returns a copy of the session's turns in order. Unknown ids
// yield an empty history.
func (s *Store) Snapshot(id string) []models.ChatTurn {
	sess, ok := s.lookup(id)
	if !ok {
		return []models.ChatTurn{}
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := make([]models.ChatTurn, len(sess.turns))
	copy(out, sess.turns)
	return out
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// Prune removes sessions idle for longer than maxIdle and returns how many
// were removed. A non-positive maxIdle disables pruning.
func (s *Store) Prune(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	cutoff := s.now().Add(-maxIdle)
	pruned := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, sess := range sh.sessions {
			if sess.LastActive().Before(cutoff) {
				delete(sh.sessions, id)
				pruned++
			}
		}
		sh.mu.Unlock()
	}
	return pruned
}

func (sess *Session) touch(now time.Time) {
	sess.mu.Lock()
	if now.After(sess.lastActive) {
		sess.lastActive = now
	}
	sess.mu.Unlock()
}
