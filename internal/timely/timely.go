// Package timely implements TimelyResource, the versioned-chain MVCC
// primitive that lets named schema objects (e.g. a Tree) be created,
// replaced, and dropped transactionally (spec §4.6).
package timely

import (
	"context"
	"time"

	"github.com/dbeng/persistit/internal/txn"
)

// Version is a version-handle: (start-ts, step). Handles strictly decrease
// along chain Prev links (spec Invariant 9).
type Version struct {
	StartTS uint64
	Step    uint32
}

// Less reports whether v sorts before o in version order.
func (v Version) Less(o Version) bool {
	if v.StartTS != o.StartTS {
		return v.StartTS < o.StartTS
	}
	return v.Step < o.Step
}

// Pruner is implemented by values that own resources to release when their
// chain entry is pruned (e.g. a Tree deallocating its pages).
type Pruner interface {
	Prune()
}

// Entry wraps one version of a resource.
type Entry[T any] struct {
	Version Version
	Value   T
	Prev    *Entry[T]
}

// VersionOracle answers the two queries a TimelyResource needs of the
// transaction system: commit-status-at-read-timestamp, and write-write
// dependency. *txn.Index satisfies this.
type VersionOracle interface {
	CommitStatusAt(versionStartTS, readTS uint64) txn.Status
	WriteWriteDependency(ctx context.Context, versionStartTS uint64, timeout time.Duration) txn.DependencyOutcome
	OldestActiveSnapshot() uint64
}

// depWait bounds how long AddVersion waits on a TIMED_OUT dependency before
// retrying the walk.
const depWait = 250 * time.Millisecond

// Resource is a TimelyResource<T>: a linked chain of versioned T, newest
// first.
type Resource[T any] struct {
	oracle VersionOracle
	head   *Entry[T]
}

// New returns an empty TimelyResource consulting the given oracle.
func New[T any](oracle VersionOracle) *Resource[T] {
	return &Resource[T]{oracle: oracle}
}

// AddVersion implements spec §4.6's add_version contract.
func (r *Resource[T]) AddVersion(ctx context.Context, newVersion Version, value T) bool {
	for {
		if r.head == nil {
			r.head = &Entry[T]{Version: newVersion, Value: value}
			return true
		}

		retry := false
		for e := r.head; e != nil; e = e.Prev {
			outcome := r.oracle.WriteWriteDependency(ctx, e.Version.StartTS, depWait)
			switch outcome {
			case txn.DepNone:
				continue
			case txn.DepAborted:
				continue
			case txn.DepTimedOut:
				retry = true
			default: // DepConflict: a visible concurrent committed writer exists
				return false // caller must roll back
			}
			if retry {
				break
			}
		}
		if retry {
			continue
		}

		if newVersion.Less(r.head.Version) {
			return false // another writer won the race after we decided to add
		}

		r.head = &Entry[T]{Version: newVersion, Value: value, Prev: r.head}
		return true
	}
}

// GetVersion implements spec §4.6's get_version contract: walk from newest,
// return the first entry visible at (ts, step).
func (r *Resource[T]) GetVersion(readTS uint64, step uint32) (T, bool) {
	for e := r.head; e != nil; e = e.Prev {
		status := r.oracle.CommitStatusAt(e.Version.StartTS, readTS)
		if status == txn.StatusCommitted || status == txn.StatusUnknown {
			if e.Version.StartTS < readTS || (e.Version.StartTS == readTS && e.Version.Step <= step) {
				return e.Value, true
			}
		}
	}
	var zero T
	return zero, false
}

// Prune implements spec §4.6's prune contract: drop entries that are
// aborted, or older than both the newest still-committed entry and any
// active reader snapshot. Dropped values' Prune() is invoked before this
// call returns, after the chain has been relinked; Resource takes no lock
// of its own, so any lock the caller holds is still held.
func (r *Resource[T]) Prune(readFloor uint64) []T {
	oldestReader := r.oracle.OldestActiveSnapshot()
	floor := readFloor
	if oldestReader != 0 && oldestReader < floor {
		floor = oldestReader
	}

	var newestCommitted *Entry[T]
	for e := r.head; e != nil; e = e.Prev {
		if r.oracle.CommitStatusAt(e.Version.StartTS, floor) == txn.StatusCommitted {
			newestCommitted = e
			break
		}
	}

	var dropped []T
	var kept *Entry[T]
	var tail *Entry[T]
	for e := r.head; e != nil; e = e.Prev {
		status := r.oracle.CommitStatusAt(e.Version.StartTS, floor)
		keep := status != txn.StatusAborted && (e == newestCommitted || e.Version.StartTS >= floor)
		if keep {
			cp := &Entry[T]{Version: e.Version, Value: e.Value}
			if kept == nil {
				kept = cp
			} else {
				tail.Prev = cp
			}
			tail = cp
		} else {
			dropped = append(dropped, e.Value)
		}
	}
	r.head = kept

	for _, v := range dropped {
		if p, ok := any(v).(Pruner); ok {
			p.Prune()
		}
	}
	return dropped
}

// Head returns the current newest entry, or nil if the chain is empty.
func (r *Resource[T]) Head() *Entry[T] { return r.head }
