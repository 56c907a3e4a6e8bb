package handlers

import (
	"container/list"
	"context"
	"sync"

	"github.com/drfirst/go-enrollment/internal/domain/enrollment"
)

// SessionFactory opens a session for one enrollment
type SessionFactory func(enrollmentUID string) *enrollment.Session

// sessionRegistry keeps one session per enrollment so its rule context is
// built once and shared by every request on that enrollment. Sessions in use
// are never evicted; past max, the least recently used idle one is closed.
type sessionRegistry struct {
	mu      sync.Mutex
	open    SessionFactory
	exists  func(ctx context.Context, enrollmentUID string) error
	entries map[string]*sessionEntry
	lru     *list.List // front is most recently used
	max     int
}

type sessionEntry struct {
	uid     string
	session *enrollment.Session
	refs    int
	elem    *list.Element
}

func newSessionRegistry(open SessionFactory, exists func(context.Context, string) error, max int) *sessionRegistry {
	if max <= 0 {
		max = 1024
	}
	return &sessionRegistry{
		open:    open,
		exists:  exists,
		entries: make(map[string]*sessionEntry),
		lru:     list.New(),
		max:     max,
	}
}

// acquire returns the session of an enrollment, opening it if the
// enrollment exists. The session stays open until release is called.
func (r *sessionRegistry) acquire(ctx context.Context, enrollmentUID string) (*enrollment.Session, func(), error) {
	if s, release, ok := r.hold(enrollmentUID); ok {
		return s, release, nil
	}
	if err := r.exists(ctx, enrollmentUID); err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another request may have opened it while the enrollment was checked.
	e, ok := r.entries[enrollmentUID]
	if !ok {
		e = &sessionEntry{uid: enrollmentUID, session: r.open(enrollmentUID)}
		e.elem = r.lru.PushFront(e)
		r.entries[enrollmentUID] = e
		r.evict()
	} else {
		r.lru.MoveToFront(e.elem)
	}
	e.refs++
	return e.session, r.releaser(e), nil
}

func (r *sessionRegistry) hold(enrollmentUID string) (*enrollment.Session, func(), bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[enrollmentUID]
	if !ok {
		return nil, nil, false
	}
	e.refs++
	r.lru.MoveToFront(e.elem)
	return e.session, r.releaser(e), true
}

func (r *sessionRegistry) releaser(e *sessionEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			e.refs--
			r.evict()
		})
	}
}

// evict must be called with mu held.
func (r *sessionRegistry) evict() {
	for elem := r.lru.Back(); elem != nil && len(r.entries) > r.max; {
		prev := elem.Prev()
		if e := elem.Value.(*sessionEntry); e.refs == 0 {
			r.lru.Remove(elem)
			delete(r.entries, e.uid)
			e.session.Close()
		}
		elem = prev
	}
}

func (r *sessionRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *sessionRegistry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for uid, e := range r.entries {
		e.session.Close()
		delete(r.entries, uid)
	}
	r.lru.Init()
}
