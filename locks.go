package kmock

import "fmt"

// LockHandle is an opaque token for a mutual-exclusion primitive. The zero handle is invalid.
type LockHandle uint32

type lockKind uint8

const (
	lockKindSpin lockKind = iota
	lockKindMutex
)

func (lk lockKind) String() string {
	if lk == lockKindMutex {
		return "mutex"
	}
	return "spinlock"
}

// lockState tracks a lock's modeled state. The driver under test executes as a single logical task
// per explored path, so acquire never blocks: a lock that is already held cannot legitimately be
// taken again, it is a modeling contradiction reported as a detected deadlock rather than silently
// granted, otherwise real concurrency bugs would stay invisible to the engine.
type lockState struct {
	kind  lockKind
	name  string
	held  bool
	owner int
}

func (k *Kernel) lockInit(kind lockKind, name string) LockHandle {
	token, err := k.handles.add(&lockState{kind: kind, name: name}, 0, kind.String())
	if err != nil {
		return 0
	}
	return LockHandle(token)
}

func (k *Kernel) lockAt(h LockHandle) *lockState {
	obj, found := k.handles.lookup(uint32(h))
	if !found {
		return nil
	}
	l, ok := obj.(*lockState)
	if !ok {
		return nil
	}
	return l
}

func (k *Kernel) lockAcquire(op string, h LockHandle) {
	l := k.lockAt(h)
	if l == nil {
		k.violation(op, fmt.Sprintf("invalid lock handle 0x%x", uint32(h)))
		return
	}

	k.crossing(op, l.name)

	if l.held {
		k.event(EventDeadlock, op, fmt.Sprintf("%s %q already held by pid %d", l.kind, l.name, l.owner))
		return
	}

	l.held = true
	l.owner = k.currentPidLocked()
}

func (k *Kernel) lockRelease(op string, h LockHandle) {
	l := k.lockAt(h)
	if l == nil {
		k.violation(op, fmt.Sprintf("invalid lock handle 0x%x", uint32(h)))
		return
	}

	k.crossing(op, l.name)

	if !l.held {
		k.violation(op, fmt.Sprintf("%s %q released while not held", l.kind, l.name))
		return
	}

	l.held = false
	l.owner = 0
}

// SpinLockInit creates a spinlock in the released state. The name is diagnostic only.
func (k *Kernel) SpinLockInit(name string) LockHandle {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.crossing("spin_lock_init", name)
	return k.lockInit(lockKindSpin, name)
}

// SpinLock acquires a spinlock. Acquiring a held lock is recorded as a detected deadlock and the
// lock's state is left unchanged.
func (k *Kernel) SpinLock(h LockHandle) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.lockAcquire("spin_lock", h)
}

// SpinUnlock releases a spinlock. Releasing a lock that is not held is a usage violation.
func (k *Kernel) SpinUnlock(h LockHandle) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.lockRelease("spin_unlock", h)
}

// MutexInit creates a mutex in the released state.
func (k *Kernel) MutexInit(name string) LockHandle {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.crossing("__mutex_init", name)
	return k.lockInit(lockKindMutex, name)
}

// MutexLock acquires a mutex, with the same deadlock-in-model contract as SpinLock.
func (k *Kernel) MutexLock(h LockHandle) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.lockAcquire("mutex_lock", h)
}

// MutexUnlock releases a mutex.
func (k *Kernel) MutexUnlock(h LockHandle) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.lockRelease("mutex_unlock", h)
}

// LockHeld reports whether the lock behind h is currently held. Harness-facing.
func (k *Kernel) LockHeld(h LockHandle) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	l := k.lockAt(h)
	return l != nil && l.held
}

// KernelParamLock acquires the module-param mutex, which exists for the lifetime of the run.
func (k *Kernel) KernelParamLock() {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.lockAcquire("kernel_param_lock", k.paramLock)
}

// KernelParamUnlock releases the module-param mutex.
func (k *Kernel) KernelParamUnlock() {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.lockRelease("kernel_param_unlock", k.paramLock)
}
