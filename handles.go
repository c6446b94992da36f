package kmock

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"sync"
)

// HandleTable links synthetic 32-bit tokens to Go objects. Every opaque kernel handle the driver under
// test holds (cdev, page, lock, wait-queue entry) and every modeled user pointer is such a token: an
// address into this arena rather than a raw Go pointer, so "is this handle currently alive" is a
// bounds-checked lookup instead of undefined behavior.
type HandleTable struct {
	mu sync.RWMutex
	// List of entries, sorted by address
	entries []*handleEntry
	// Map of entries indexed by object, to allow for deletion based on object
	objToEntry map[interface{}]*handleEntry
}

// handleEntry occupies the address range [addr, addr+size). Zero-size objects (plain handles with no
// addressable contents) still occupy one address so distinct objects never share a token.
type handleEntry struct {
	name   string
	addr   uint32
	size   uint32
	object interface{}
}

// Tokens start above handleStart so common scalar values like 0 and 1 can never be mistaken for live
// handles; the zero token is the null handle everywhere in this package.
const handleStart = 0xFFFF

func (ht *HandleTable) reset() {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	ht.entries = nil
	ht.objToEntry = make(map[interface{}]*handleEntry)
}

// add registers obj and returns its token. The obj must be a pointer so the reverse index stays
// identity-based.
func (ht *HandleTable) add(obj interface{}, size uint32, name string) (uint32, error) {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	if reflect.TypeOf(obj).Kind() != reflect.Ptr {
		return 0, errors.New("'obj' must be a pointer type")
	}
	if ht.objToEntry == nil {
		ht.objToEntry = make(map[interface{}]*handleEntry)
	}
	if _, found := ht.objToEntry[obj]; found {
		return 0, errors.New("object already has a handle")
	}

	span := size
	if span == 0 {
		span = 1
	}

	// Naive first-fit search for an available address range.
	i := len(ht.entries)
	addr := uint32(handleStart) + 1
	for j, cur := range ht.entries {
		if addr+span <= cur.addr {
			i = j
			break
		}
		addr = cur.addr + cur.size
		if cur.size == 0 {
			addr++
		}
	}
	if math.MaxUint32-addr < span {
		return 0, errors.New("handle arena exhausted")
	}

	entry := &handleEntry{
		name:   name,
		addr:   addr,
		size:   size,
		object: obj,
	}

	// Insert sorted
	ht.entries = append(ht.entries, nil)
	copy(ht.entries[i+1:], ht.entries[i:])
	ht.entries[i] = entry

	ht.objToEntry[obj] = entry

	return addr, nil
}

// resolve returns the object whose range contains token, plus the offset of token into that range.
// The last return value is false if no live entry contains the token.
func (ht *HandleTable) resolve(token uint32) (interface{}, uint32, bool) {
	ht.mu.RLock()
	defer ht.mu.RUnlock()

	i := sort.Search(len(ht.entries), func(i int) bool {
		return ht.entries[i].addr > token
	})
	if i == 0 {
		return nil, 0, false
	}

	prev := ht.entries[i-1]
	span := prev.size
	if span == 0 {
		span = 1
	}
	if token >= prev.addr && token < prev.addr+span {
		return prev.object, token - prev.addr, true
	}

	return nil, 0, false
}

// lookup resolves a token which must refer to the start of an entry, the usual case for plain object
// handles (a mid-entry token is only meaningful for user memory).
func (ht *HandleTable) lookup(token uint32) (interface{}, bool) {
	obj, off, found := ht.resolve(token)
	if !found || off != 0 {
		return nil, false
	}
	return obj, true
}

// tokenOf returns the token registered for obj.
func (ht *HandleTable) tokenOf(obj interface{}) (uint32, bool) {
	ht.mu.RLock()
	defer ht.mu.RUnlock()

	entry, found := ht.objToEntry[obj]
	if !found {
		return 0, false
	}
	return entry.addr, true
}

// remove deletes the entry registered for obj. Removing an unknown object is a no-op.
func (ht *HandleTable) remove(obj interface{}) {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	entry, found := ht.objToEntry[obj]
	if !found {
		return
	}
	delete(ht.objToEntry, obj)

	i := sort.Search(len(ht.entries), func(i int) bool {
		return ht.entries[i].addr >= entry.addr
	})
	if i >= len(ht.entries) || ht.entries[i] != entry {
		return
	}

	copy(ht.entries[i:], ht.entries[i+1:])
	ht.entries = ht.entries[:len(ht.entries)-1]
}

// String implements fmt.Stringer
func (ht *HandleTable) String() string {
	ht.mu.RLock()
	defer ht.mu.RUnlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "0x00000000 - 0x%08x - reserved\n", uint32(handleStart))
	for _, entry := range ht.entries {
		fmt.Fprintf(&sb, "0x%08x - 0x%08x - %T (%s)\n", entry.addr, entry.addr+entry.size, entry.object, entry.name)
	}
	return sb.String()
}
