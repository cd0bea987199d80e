// Package progress holds the learning-progress ledger and the pure operations
// that merge and mutate it. Ledgers are treated as immutable values: every
// mutation returns a new *Ledger and leaves its input untouched.
package progress

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrStaleVersion   = errors.New("stale ledger version")
)

// StaleVersionError reports a save refused because the stored ledger is
// newer. Stored is zero when the store cannot tell which version it holds.
type StaleVersionError struct {
	Key      string
	Stored   uint64
	Incoming uint64
}

func (e *StaleVersionError) Error() string {
	if e.Stored == 0 {
		return fmt.Sprintf("stale ledger version: %s holds a version newer than %d", e.Key, e.Incoming)
	}
	return fmt.Sprintf("stale ledger version: %s is at %d, refusing %d", e.Key, e.Stored, e.Incoming)
}

func (e *StaleVersionError) Is(target error) bool {
	return target == ErrStaleVersion
}

type Scope string

const (
	ScopeLocal Scope = "local"
	ScopeCloud Scope = "cloud"
)

func (s Scope) Valid() bool {
	return s == ScopeLocal || s == ScopeCloud
}

type CompletionState string

const (
	StateNotStarted CompletionState = "notstarted"
	StateInProgress CompletionState = "inprogress"
	StateCompleted  CompletionState = "completed"
)

type ActivityState struct {
	ActivityID  string `json:"activityId"`
	IsCompleted bool   `json:"isCompleted"`
	HeaderID    string `json:"headerId,omitempty"`
}

type MapProgress struct {
	CompletionState CompletionState          `json:"completionState"`
	MapID           string                   `json:"mapId"`
	ActivityState   map[string]ActivityState `json:"activityState"`
}

type SourceProgress struct {
	MapProgress   map[string]MapProgress `json:"mapProgress"`
	CompletedTags map[string]int         `json:"completedTags"`
}

// Ledger is one user's progress across every source they visited. Version is
// a monotonic sequence bumped on every mutation; stores use it to refuse
// out-of-order saves.
type Ledger struct {
	UserID  string                    `json:"userId,omitempty"`
	Version uint64                    `json:"version"`
	IsDebug bool                      `json:"isDebug,omitempty"`
	Sources map[string]SourceProgress `json:"sources"`
}

func NewLedger(userID string) *Ledger {
	return &Ledger{
		UserID:  strings.TrimSpace(userID),
		Sources: map[string]SourceProgress{},
	}
}

func (l *Ledger) Source(source string) (SourceProgress, bool) {
	if l == nil || l.Sources == nil {
		return SourceProgress{}, false
	}
	sp, ok := l.Sources[source]
	return sp, ok
}

func (l *Ledger) SourceNames() []string {
	if l == nil {
		return nil
	}
	names := make([]string, 0, len(l.Sources))
	for name := range l.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsSourceStarted reports whether any map under source has recorded activity.
func (l *Ledger) IsSourceStarted(source string) bool {
	sp, ok := l.Source(source)
	if !ok {
		return false
	}
	return sp.Started()
}

func (sp SourceProgress) Started() bool {
	for _, mp := range sp.MapProgress {
		if len(mp.ActivityState) > 0 {
			return true
		}
	}
	return false
}

func (l *Ledger) Clone() *Ledger {
	if l == nil {
		return nil
	}
	out := &Ledger{
		UserID:  l.UserID,
		Version: l.Version,
		IsDebug: l.IsDebug,
		Sources: make(map[string]SourceProgress, len(l.Sources)),
	}
	for name, sp := range l.Sources {
		out.Sources[name] = sp.Clone()
	}
	return out
}

func (sp SourceProgress) Clone() SourceProgress {
	out := SourceProgress{
		MapProgress:   make(map[string]MapProgress, len(sp.MapProgress)),
		CompletedTags: make(map[string]int, len(sp.CompletedTags)),
	}
	for id, mp := range sp.MapProgress {
		out.MapProgress[id] = mp.Clone()
	}
	for tag, count := range sp.CompletedTags {
		out.CompletedTags[tag] = count
	}
	return out
}

func (mp MapProgress) Clone() MapProgress {
	out := MapProgress{
		CompletionState: mp.CompletionState,
		MapID:           mp.MapID,
		ActivityState:   make(map[string]ActivityState, len(mp.ActivityState)),
	}
	for id, activity := range mp.ActivityState {
		out.ActivityState[id] = activity
	}
	return out
}

// Normalize fills nil maps so a ledger decoded from storage can be mutated
// and compared without nil/empty distinctions.
func (l *Ledger) Normalize() *Ledger {
	if l == nil {
		return nil
	}
	if l.Sources == nil {
		l.Sources = map[string]SourceProgress{}
	}
	for name, sp := range l.Sources {
		if sp.MapProgress == nil {
			sp.MapProgress = map[string]MapProgress{}
		}
		if sp.CompletedTags == nil {
			sp.CompletedTags = map[string]int{}
		}
		for id, mp := range sp.MapProgress {
			if mp.ActivityState == nil {
				mp.ActivityState = map[string]ActivityState{}
			}
			if mp.MapID == "" {
				mp.MapID = id
			}
			if mp.CompletionState == "" {
				mp.CompletionState = StateNotStarted
			}
			sp.MapProgress[id] = mp
		}
		l.Sources[name] = sp
	}
	return l
}

// WithVersion returns a copy of l carrying version.
func (l *Ledger) WithVersion(version uint64) *Ledger {
	out := l.Clone()
	if out == nil {
		out = NewLedger("")
	}
	out.Version = version
	return out
}

func (l *Ledger) HeaderIDs() []string {
	if l == nil {
		return nil
	}
	seen := map[string]struct{}{}
	for _, sp := range l.Sources {
		collectHeaderIDs(sp, seen)
	}
	return sortedKeys(seen)
}

func collectHeaderIDs(sp SourceProgress, into map[string]struct{}) {
	for _, mp := range sp.MapProgress {
		for _, activity := range mp.ActivityState {
			if id := strings.TrimSpace(activity.HeaderID); id != "" {
				into[id] = struct{}{}
			}
		}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func emptySource() SourceProgress {
	return SourceProgress{
		MapProgress:   map[string]MapProgress{},
		CompletedTags: map[string]int{},
	}
}
