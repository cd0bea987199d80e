package syncer

import (
	"sync"

	"github.com/agentworkforce/skillsync/internal/progress"
)

type SyncStatus struct {
	State    State  `json:"state"`
	SignedIn bool   `json:"signedIn"`
	UserID   string `json:"userId,omitempty"`
}

func (s SyncStatus) Settled() bool {
	return s.State == StateDone
}

// Snapshot is an immutable view of the published application state. Fields
// are replaced wholesale on update; holders must not mutate what they get.
type Snapshot struct {
	Seq          uint64                `json:"seq"`
	Cause        string                `json:"cause"`
	Ledger       *progress.Ledger      `json:"ledger"`
	SourceURL    string                `json:"sourceUrl"`
	SourceStatus progress.SourceStatus `json:"sourceStatus"`
	Sync         SyncStatus            `json:"sync"`
	Badges       *progress.BadgeState  `json:"badges,omitempty"`
	Preferences  *progress.Preferences `json:"preferences,omitempty"`
}

const subscriberBuffer = 16

// StateStore holds the current Snapshot and fans every replacement out to
// subscribers. A slow subscriber loses its oldest pending snapshots, never
// the newest.
type StateStore struct {
	mu      sync.Mutex
	current Snapshot
	subs    map[int]chan Snapshot
	nextSub int
	closed  bool
}

func NewStateStore(initial Snapshot) *StateStore {
	if initial.Ledger == nil {
		initial.Ledger = progress.NewLedger("")
	}
	if initial.SourceStatus == "" {
		initial.SourceStatus = progress.SourceUnknown
	}
	return &StateStore{current: initial, subs: map[int]chan Snapshot{}}
}

func (s *StateStore) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Update replaces the snapshot with fn's result and notifies subscribers.
// fn runs under the store lock and must not call back into the store. When
// fn returns ok=false nothing is published.
func (s *StateStore) Update(cause string, fn func(Snapshot) (Snapshot, bool)) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, ok := fn(s.current)
	if !ok {
		return s.current, false
	}
	next.Seq = s.current.Seq + 1
	next.Cause = cause
	if next.Ledger == nil {
		next.Ledger = progress.NewLedger("")
	}
	s.current = next
	for _, ch := range s.subs {
		deliverLatest(ch, next)
	}
	return next, true
}

// Subscribe returns a channel of future snapshots and a func that ends the
// subscription and closes the channel.
func (s *StateStore) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Snapshot, subscriberBuffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if sub, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(sub)
			}
		})
	}
}

// Close ends every subscription.
func (s *StateStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

func deliverLatest(ch chan Snapshot, snap Snapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
