package task

import (
	"sort"
	"sync/atomic"

	"wasmos/kernel/sync"
)

// Table maps thread ids to threads. It is safe for concurrent use.
type Table struct {
	lock    sync.Spinlock
	threads map[ID]*Thread
	lastID  uint64
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{threads: make(map[ID]*Thread)}
}

// NextID returns a fresh thread id. IDs increase monotonically starting at 1.
func (tbl *Table) NextID() ID {
	return ID(atomic.AddUint64(&tbl.lastID, 1))
}

// Insert registers t.
func (tbl *Table) Insert(t *Thread) {
	tbl.lock.Acquire()
	tbl.threads[t.id] = t
	tbl.lock.Release()
}

// Remove unregisters the thread with the given id.
func (tbl *Table) Remove(id ID) {
	tbl.lock.Acquire()
	delete(tbl.threads, id)
	tbl.lock.Release()
}

// Lookup returns the thread with the given id or nil.
func (tbl *Table) Lookup(id ID) *Thread {
	tbl.lock.Acquire()
	defer tbl.lock.Release()
	return tbl.threads[id]
}

// Len returns the number of registered threads.
func (tbl *Table) Len() int {
	tbl.lock.Acquire()
	defer tbl.lock.Release()
	return len(tbl.threads)
}

// Snapshot returns the registered threads ordered by id.
func (tbl *Table) Snapshot() []*Thread {
	tbl.lock.Acquire()
	out := make([]*Thread, 0, len(tbl.threads))
	for _, t := range tbl.threads {
		out = append(out, t)
	}
	tbl.lock.Release()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
