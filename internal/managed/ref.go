package managed

import (
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"

	bridgeerr "github.com/R3E-Network/service_bridge/internal/errors"
)

// refTable pins managed objects that native code holds on to. Entries are
// shared between clones of a GlobalRef and removed when the last owner
// releases.
type refTable struct {
	mu      sync.Mutex
	entries map[uint64]*refEntry
	nextID  uint64
}

type refEntry struct {
	obj    *goja.Object
	owners int
}

func newRefTable() *refTable {
	return &refTable{entries: make(map[uint64]*refEntry)}
}

func (t *refTable) add(obj *goja.Object) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	t.entries[t.nextID] = &refEntry{obj: obj, owners: 1}
	return t.nextID
}

func (t *refTable) lookup(id uint64) (*goja.Object, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	return e.obj, true
}

func (t *refTable) retain(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return false
	}
	e.owners++
	return true
}

func (t *refTable) release(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return false
	}
	e.owners--
	if e.owners == 0 {
		delete(t.entries, id)
	}
	return true
}

func (t *refTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// GlobalRef is an owned handle to an object inside the managed runtime.
// Each GlobalRef value is one owner: Clone adds an owner and Release drops
// this one. The object is only reachable through Env.Deref, so it is never
// touched without an active attachment.
//
// Release must be called exactly once per owner. Releasing twice is a fatal
// ResourceError.
type GlobalRef struct {
	vm       *VM
	id       uint64
	released atomic.Bool
}

// VM returns the runtime the reference belongs to.
func (r *GlobalRef) VM() *VM { return r.vm }

// ID returns the table slot of the reference. Clones share the same ID.
func (r *GlobalRef) ID() uint64 { return r.id }

// Clone adds an owner for the same managed object.
func (r *GlobalRef) Clone() *GlobalRef {
	if r.released.Load() {
		_ = bridgeerr.Abort(bridgeerr.Resource("clone", "reference %d already released", r.id))
		return nil
	}
	if !r.vm.refs.retain(r.id) {
		_ = bridgeerr.Abort(bridgeerr.Resource("clone", "reference %d not in table", r.id))
		return nil
	}
	return &GlobalRef{vm: r.vm, id: r.id}
}

// Release drops this owner. The table entry goes away with the last owner.
func (r *GlobalRef) Release() {
	if !r.released.CompareAndSwap(false, true) {
		_ = bridgeerr.Abort(bridgeerr.Resource("release", "reference %d released twice", r.id))
		return
	}
	if !r.vm.refs.release(r.id) {
		_ = bridgeerr.Abort(bridgeerr.Resource("release", "reference %d not in table", r.id))
	}
}

// Released reports whether this owner has been released.
func (r *GlobalRef) Released() bool { return r.released.Load() }
