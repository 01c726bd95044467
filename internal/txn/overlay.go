package txn

import (
	"bytes"
	"sort"
)

// opKind distinguishes the three staged operation kinds of spec §4.5.
type opKind byte

const (
	opStore       opKind = 'S'
	opRemoveRange opKind = 'R'
	opDropTree    opKind = 'D'
)

// storeEntry is a staged store, keyed by (tree handle, key).
type storeEntry struct {
	treeHandle int32
	key        []byte
	value      []byte
	long       bool // true if value lives in an overflow chain
	longTail   int64
}

// removeRange is a staged remove, coalesced against overlapping ranges for
// the same tree as new removes are added.
type removeRange struct {
	lo, hi []byte
}

// Overlay is a transaction's private staging tree: an ordered in-memory map
// keyed by (op-kind, tree-handle, key), simulating Persistit's staging
// B+tree without the out-of-scope B+tree implementation (spec §4.5).
type Overlay struct {
	stores      map[int32]map[string]*storeEntry
	removes     map[int32][]removeRange
	droppedTree map[int32]bool

	deallocList []int64 // long-record chain tails to free on rollback
}

// NewOverlay returns an empty Overlay.
func NewOverlay() *Overlay {
	return &Overlay{
		stores:      make(map[int32]map[string]*storeEntry),
		removes:     make(map[int32][]removeRange),
		droppedTree: make(map[int32]bool),
	}
}

// Store stages a write. For a long value (long=true) the value is stored
// as given and longTail is added to the deallocation list; the value is not
// neutered.
func (o *Overlay) Store(treeHandle int32, key, value []byte, long bool, longTail int64) {
	m, ok := o.stores[treeHandle]
	if !ok {
		m = make(map[string]*storeEntry)
		o.stores[treeHandle] = m
	}
	m[string(key)] = &storeEntry{treeHandle: treeHandle, key: key, value: value, long: long, longTail: longTail}
	if long {
		o.deallocList = append(o.deallocList, longTail)
	}
}

// RemoveRange stages a remove of [k1, k2], coalescing with any existing
// overlapping staged range for the same tree.
func (o *Overlay) RemoveRange(treeHandle int32, k1, k2 []byte) {
	ranges := o.removes[treeHandle]
	merged := removeRange{lo: k1, hi: k2}
	var out []removeRange
	for _, r := range ranges {
		if overlaps(merged, r) {
			merged = unionRange(merged, r)
		} else {
			out = append(out, r)
		}
	}
	out = append(out, merged)
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].lo, out[j].lo) < 0 })
	o.removes[treeHandle] = out

	// Purge any staged stores now covered by the remove.
	if m, ok := o.stores[treeHandle]; ok {
		for k := range m {
			if within([]byte(k), merged.lo, merged.hi) {
				delete(m, k)
			}
		}
	}
}

// RemoveTree stages a whole-tree drop.
func (o *Overlay) RemoveTree(treeHandle int32) {
	o.droppedTree[treeHandle] = true
	delete(o.stores, treeHandle)
	delete(o.removes, treeHandle)
}

// FetchResult is the outcome of consulting the overlay before falling
// through to the live tree (spec §4.5 fetch).
type FetchResult int

const (
	FetchMiss FetchResult = iota
	FetchStored
	FetchRemoved
	FetchTreeDropped
)

// Fetch consults the overlay for (treeHandle, key): a store hit returns
// that value; a remove-range hit returns the remove marker; a dropped tree
// always returns FetchTreeDropped; otherwise the caller defers to the live
// tree.
func (o *Overlay) Fetch(treeHandle int32, key []byte) (FetchResult, []byte) {
	if o.droppedTree[treeHandle] {
		return FetchTreeDropped, nil
	}
	if m, ok := o.stores[treeHandle]; ok {
		if e, ok := m[string(key)]; ok {
			return FetchStored, e.value
		}
	}
	for _, r := range o.removes[treeHandle] {
		if within(key, r.lo, r.hi) {
			return FetchRemoved, nil
		}
	}
	return FetchMiss, nil
}

// AppliedOp is one overlay mutation ready to apply to the live trees, in
// apply order (spec §4.5 step 4: "in overlay key order").
type AppliedOp struct {
	Kind       opKind
	TreeHandle int32
	Key, Key2  []byte
	Value      []byte
}

// Ops returns every staged mutation sorted by (tree handle, op kind, key),
// the deterministic apply order spec §4.5 requires.
func (o *Overlay) Ops() []AppliedOp {
	var out []AppliedOp
	for th := range o.droppedTree {
		out = append(out, AppliedOp{Kind: opDropTree, TreeHandle: th})
	}
	for th, ranges := range o.removes {
		for _, r := range ranges {
			out = append(out, AppliedOp{Kind: opRemoveRange, TreeHandle: th, Key: r.lo, Key2: r.hi})
		}
	}
	for th, m := range o.stores {
		for _, e := range m {
			out = append(out, AppliedOp{Kind: opStore, TreeHandle: th, Key: e.key, Value: e.value})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TreeHandle != out[j].TreeHandle {
			return out[i].TreeHandle < out[j].TreeHandle
		}
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return bytes.Compare(out[i].Key, out[j].Key) < 0
	})
	return out
}

// DeallocList returns the long-record chain tails staged for deallocation,
// consulted on rollback.
func (o *Overlay) DeallocList() []int64 { return o.deallocList }

// Clear empties the overlay and its deallocation list (end of commit or
// rollback).
func (o *Overlay) Clear() {
	o.stores = make(map[int32]map[string]*storeEntry)
	o.removes = make(map[int32][]removeRange)
	o.droppedTree = make(map[int32]bool)
	o.deallocList = nil
}

func within(key, lo, hi []byte) bool {
	return bytes.Compare(key, lo) >= 0 && bytes.Compare(key, hi) <= 0
}

func overlaps(a, b removeRange) bool {
	return bytes.Compare(a.lo, b.hi) <= 0 && bytes.Compare(b.lo, a.hi) <= 0
}

func unionRange(a, b removeRange) removeRange {
	lo := a.lo
	if bytes.Compare(b.lo, lo) < 0 {
		lo = b.lo
	}
	hi := a.hi
	if bytes.Compare(b.hi, hi) > 0 {
		hi = b.hi
	}
	return removeRange{lo: lo, hi: hi}
}
