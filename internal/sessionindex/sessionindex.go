// Package sessionindex implements the Session Index: every live session is
// tracked in one doubly-linked structure, insertion and removal are O(1),
// and the index can evict its oldest entry when a configured ceiling is
// hit.
//
// Grounded on hev-socks5-tunnel.c's intrusive SessionNode list
// (insert_session prepends, remove_session unlinks, a session_count over
// max_session_count logs and evicts the list's tail). container/list
// supplies the same O(1) insert/remove without hand-rolled pointers.
package sessionindex

import (
	"container/list"
	"sync"

	"github.com/sirupsen/logrus"
)

// Session is anything the index can track and, if needed, force-close to
// make room.
type Session interface {
	// Close tears the session down. It must be safe to call more than
	// once and from any goroutine.
	Close() error
}

// Index is a bounded registry of live sessions, ordered oldest-first.
type Index struct {
	log *logrus.Entry

	mu       sync.Mutex
	order    *list.List
	elements map[Session]*list.Element
	maxCount int
}

// New creates an Index. maxCount <= 0 means unbounded, mirroring
// hev-socks5-tunnel.c's max_session_count of 0 disabling eviction.
func New(maxCount int, log *logrus.Entry) *Index {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Index{
		log:      log.WithField("component", "sessionindex"),
		order:    list.New(),
		elements: make(map[Session]*list.Element),
		maxCount: maxCount,
	}
}

// Insert adds s to the index, evicting the oldest entry first if the index
// is already at capacity. The evicted session's Close is called outside
// the index's own lock.
func (idx *Index) Insert(s Session) {
	var evicted Session

	idx.mu.Lock()
	if idx.maxCount > 0 && idx.order.Len() >= idx.maxCount {
		oldest := idx.order.Front()
		if oldest != nil {
			evicted = oldest.Value.(Session)
			idx.order.Remove(oldest)
			delete(idx.elements, evicted)
		}
	}
	el := idx.order.PushBack(s)
	idx.elements[s] = el
	count := idx.order.Len()
	idx.mu.Unlock()

	if evicted != nil {
		idx.log.WithField("sessions", count).Warn("session index full, evicting oldest session")
		evicted.Close()
	}
}

// Remove drops s from the index. It is a no-op if s is not present.
func (idx *Index) Remove(s Session) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	el, ok := idx.elements[s]
	if !ok {
		return
	}
	idx.order.Remove(el)
	delete(idx.elements, s)
}

// Len returns the number of sessions currently indexed.
func (idx *Index) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.order.Len()
}

// CloseAll closes every indexed session and empties the index. Used at
// shutdown.
func (idx *Index) CloseAll() {
	idx.mu.Lock()
	sessions := make([]Session, 0, idx.order.Len())
	for el := idx.order.Front(); el != nil; el = el.Next() {
		sessions = append(sessions, el.Value.(Session))
	}
	idx.order.Init()
	idx.elements = make(map[Session]*list.Element)
	idx.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
