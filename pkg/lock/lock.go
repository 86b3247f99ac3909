// Package lock implements a named mutual-exclusion primitive with owner
// tokens, conflict sets, timeouts, and waits-for-graph deadlock detection.
//
// Unlike a plain sync.Mutex keyed by name, acquisitions here are declared
// against a *conflict set*: the set of operation names whose live locks
// block this acquisition. Non-conflicting operations proceed concurrently.
package lock

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"rhythmchamber/pkg/utils"
)

// Kind identifies the category of a Lock error for callers that branch on
// recoverability (spec.md §7).
type Kind string

const (
	KindAcquisition Kind = "LockAcquisition"
	KindTimeout     Kind = "LockTimeout"
	KindRelease     Kind = "LockRelease"
	KindDeadlock    Kind = "Deadlock"
	KindForceReleas Kind = "ForceRelease"
)

// pollInterval is how often a blocked Acquire re-checks the conflict set.
// Small enough not to add perceptible latency, large enough not to spin.
const pollInterval = 5 * time.Millisecond

// Error is the typed error returned by every OperationLock method.
// Acquisition/timeout errors are recoverable; release/deadlock errors
// indicate a programming defect and are not.
type Error struct {
	Kind        Kind
	Operation   string
	Conflicts   []string // operations currently holding a conflicting lock
	Recoverable bool
	msg         string
}

func (e *Error) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return fmt.Sprintf("%s: operation %q (conflicts: %v)", e.Kind, e.Operation, e.Conflicts)
}

// Record describes a single live lock, per spec.md §3 "Lock record".
type Record struct {
	Operation  string
	OwnerToken string
	AcquiredAt time.Time
	Deadline   *time.Time
}

// Options configures a single acquisition attempt.
type Options struct {
	// WaitMs bounds how long Acquire blocks while conflicts persist.
	// Zero means "try once, fail immediately if conflicted."
	WaitMs int
	// Conflicts lists the operation names that must not hold a live lock
	// for this acquisition to proceed.
	Conflicts []string
}

// OperationLock is the named-mutex registry described in spec.md §4.1.
type OperationLock struct {
	mu       sync.Mutex
	records  map[string]*Record
	waitsFor map[string]map[string]bool // waiter operation -> operations it is blocked on
}

// New creates an empty OperationLock.
func New() *OperationLock {
	return &OperationLock{
		records:  make(map[string]*Record),
		waitsFor: make(map[string]map[string]bool),
	}
}

// IsLocked reports whether a live record exists for name.
func (l *OperationLock) IsLocked(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.records[name]
	return ok
}

func (l *OperationLock) liveConflictsLocked(conflicts []string) []string {
	var held []string
	for _, c := range conflicts {
		if _, ok := l.records[c]; ok {
			held = append(held, c)
		}
	}
	return held
}

// Acquire blocks until name can be locked without violating any declared
// conflict, the wait deadline elapses, or a deadlock cycle is detected.
func (l *OperationLock) Acquire(name string, opts Options) (string, error) {
	deadline, hasDeadline := time.Time{}, opts.WaitMs > 0
	if hasDeadline {
		deadline = time.Now().Add(time.Duration(opts.WaitMs) * time.Millisecond)
	}

	for {
		l.mu.Lock()
		held := l.liveConflictsLocked(opts.Conflicts)
		if len(held) == 0 {
			delete(l.waitsFor, name)
			token := utils.GenerateToken()
			rec := &Record{Operation: name, OwnerToken: token, AcquiredAt: time.Now()}
			if hasDeadline {
				d := deadline
				rec.Deadline = &d
			}
			l.records[name] = rec
			l.mu.Unlock()
			return token, nil
		}

		l.waitsFor[name] = setOf(held)
		cyclic := l.findCycleLocked(name)
		l.mu.Unlock()

		if cyclic {
			l.mu.Lock()
			delete(l.waitsFor, name)
			l.mu.Unlock()
			return "", &Error{Kind: KindDeadlock, Operation: name, Conflicts: held, Recoverable: false,
				msg: fmt.Sprintf("Deadlock: acquiring %q would form a wait cycle with %v", name, held)}
		}

		if opts.WaitMs == 0 {
			l.mu.Lock()
			delete(l.waitsFor, name)
			l.mu.Unlock()
			return "", &Error{Kind: KindAcquisition, Operation: name, Conflicts: held, Recoverable: true,
				msg: fmt.Sprintf("LockAcquisition: %q conflicts with live lock(s) %v", name, held)}
		}

		if hasDeadline && time.Now().After(deadline) {
			l.mu.Lock()
			delete(l.waitsFor, name)
			l.mu.Unlock()
			return "", &Error{Kind: KindTimeout, Operation: name, Conflicts: held, Recoverable: true,
				msg: fmt.Sprintf("LockTimeout: %q timed out waiting for %v to release", name, held)}
		}

		time.Sleep(pollInterval)
	}
}

// Release drops the live record for name if ownerToken matches. A mismatch
// or missing record is a non-recoverable programming defect.
func (l *OperationLock) Release(name, ownerToken string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[name]
	if !ok {
		return &Error{Kind: KindRelease, Operation: name, Recoverable: false,
			msg: fmt.Sprintf("LockRelease: no live lock held for %q", name)}
	}
	if rec.OwnerToken != ownerToken {
		return &Error{Kind: KindRelease, Operation: name, Recoverable: false,
			msg: fmt.Sprintf("LockRelease: owner token mismatch releasing %q", name)}
	}

	delete(l.records, name)
	return nil
}

// ForceReleaseAll is the emergency drain: it releases every live lock
// regardless of owner and reports what it released.
func (l *OperationLock) ForceReleaseAll(reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	names := make([]string, 0, len(l.records))
	for name := range l.records {
		names = append(names, name)
	}
	for _, name := range names {
		delete(l.records, name)
	}

	return &Error{Kind: KindForceReleas, Conflicts: names, Recoverable: false,
		msg: fmt.Sprintf("ForceRelease: released %v (%s)", names, reason)}
}

// findCycleLocked performs a depth-first search over the waits-for graph
// starting from `start`, returning true if a cycle back to start exists.
// Callers must hold l.mu.
func (l *OperationLock) findCycleLocked(start string) bool {
	visited := make(map[string]bool)
	var visit func(node string) bool
	visit = func(node string) bool {
		if visited[node] {
			return false
		}
		visited[node] = true
		for next := range l.waitsFor[node] {
			if next == start {
				return true
			}
			if visit(next) {
				return true
			}
		}
		return false
	}
	for next := range l.waitsFor[start] {
		if next == start {
			return true
		}
		if visit(next) {
			return true
		}
	}
	return false
}

func setOf(names []string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// AsLockError unwraps err into *Error if possible.
func AsLockError(err error) (*Error, bool) {
	var le *Error
	ok := errors.As(err, &le)
	return le, ok
}

// MusicConflictSet is the pairwise-conflicting operation set resolved from
// spec.md §9's open question: file_processing, demo_load, and reset block
// one another.
func MusicConflictSet(name string) []string {
	all := []string{"file_processing", "demo_load", "reset"}
	var out []string
	for _, n := range all {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}
