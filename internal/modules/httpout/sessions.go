package httpout

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// session is one streaming client.
type session struct {
	id      string
	kind    string
	remote  string
	started time.Time
	ended   time.Time // guarded by sessionStore.mu
	frames  atomic.Uint64
}

// sessionInfo is the JSON view of a session.
type sessionInfo struct {
	ID      string    `json:"id"`
	Kind    string    `json:"kind"`
	Remote  string    `json:"remote"`
	Started time.Time `json:"started"`
	Ended   time.Time `json:"ended,omitzero"`
	Frames  uint64    `json:"frames"`
}

// sessionStore tracks active clients and keeps finished ones for ttl.
type sessionStore struct {
	ttl   time.Duration
	cache *cache.Cache

	mu   sync.Mutex
	live int
}

func newSessionStore(ttl time.Duration) *sessionStore {
	// no janitor goroutine, expired entries are purged on list
	return &sessionStore{ttl: ttl, cache: cache.New(ttl, 0)}
}

func (st *sessionStore) open(kind, remote string) *session {
	sess := &session{id: uuid.NewString(), kind: kind, remote: remote, started: time.Now()}
	st.cache.Set(sess.id, sess, cache.NoExpiration)
	st.mu.Lock()
	st.live++
	st.mu.Unlock()
	return sess
}

func (st *sessionStore) close(sess *session) {
	st.mu.Lock()
	sess.ended = time.Now()
	st.live--
	st.mu.Unlock()
	st.cache.Set(sess.id, sess, st.ttl)
}

func (st *sessionStore) active() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.live
}

// list returns all known sessions, oldest first.
func (st *sessionStore) list() []sessionInfo {
	st.cache.DeleteExpired()
	items := st.cache.Items()

	st.mu.Lock()
	out := make([]sessionInfo, 0, len(items))
	for _, it := range items {
		sess := it.Object.(*session)
		out = append(out, sessionInfo{
			ID:      sess.id,
			Kind:    sess.kind,
			Remote:  sess.remote,
			Started: sess.started,
			Ended:   sess.ended,
			Frames:  sess.frames.Load(),
		})
	}
	st.mu.Unlock()

	slices.SortFunc(out, func(a, b sessionInfo) int { return a.Started.Compare(b.Started) })
	return out
}
