package kmock

import "fmt"

// WaitEntryHandle is an opaque token for a parked-wait handle. The zero handle is invalid.
type WaitEntryHandle uint32

// WaitQueueHandle is an opaque token for a wait-queue head. The zero handle is invalid.
type WaitQueueHandle uint32

// No scheduler exists in this environment, so nothing here ever suspends. A wait entry only tracks
// parked/unparked bookkeeping; whether a "blocked" driver loop makes progress is decided by the value
// SignalPending returns and by the wake counters, both of which the engine varies across path forks.
type waitEntry struct {
	initialized bool
	parked      bool
	queue       WaitQueueHandle
}

type waitQueueHead struct {
	name    string
	parked  int
	wakeups uint64
}

// NewWaitEntry creates a wait-entry handle in the uninitialized state. The C-linkage glue calls this
// when the driver's wait_queue_entry comes into existence.
func (k *Kernel) NewWaitEntry() WaitEntryHandle {
	k.mu.Lock()
	defer k.mu.Unlock()

	token, err := k.handles.add(&waitEntry{}, 0, "wait_entry")
	if err != nil {
		return 0
	}
	return WaitEntryHandle(token)
}

func (k *Kernel) waitEntryAt(h WaitEntryHandle) *waitEntry {
	obj, found := k.handles.lookup(uint32(h))
	if !found {
		return nil
	}
	e, ok := obj.(*waitEntry)
	if !ok {
		return nil
	}
	return e
}

func (k *Kernel) waitQueueAt(h WaitQueueHandle) *waitQueueHead {
	obj, found := k.handles.lookup(uint32(h))
	if !found {
		return nil
	}
	q, ok := obj.(*waitQueueHead)
	if !ok {
		return nil
	}
	return q
}

// InitWait establishes a wait entry in the idle state. Re-initializing an entry that is currently
// parked is a usage violation.
func (k *Kernel) InitWait(h WaitEntryHandle) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.crossing("init_wait", "")

	e := k.waitEntryAt(h)
	if e == nil {
		k.violation("init_wait", fmt.Sprintf("invalid wait entry handle 0x%x", uint32(h)))
		return
	}
	if e.parked {
		k.violation("init_wait", "wait entry reinitialized while parked")
		return
	}

	e.initialized = true
}

// InitWaitQueueHead creates a wait-queue head. The name is diagnostic only.
func (k *Kernel) InitWaitQueueHead(name string) WaitQueueHandle {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.crossing("__init_waitqueue_head", name)

	token, err := k.handles.add(&waitQueueHead{name: name}, 0, "wait_queue_head")
	if err != nil {
		return 0
	}
	return WaitQueueHandle(token)
}

// PrepareToWaitExclusive parks an initialized entry on a queue. Parking an uninitialized entry or
// parking one twice is a usage violation.
func (k *Kernel) PrepareToWaitExclusive(q WaitQueueHandle, e WaitEntryHandle, state int) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.crossing("prepare_to_wait_exclusive", fmt.Sprintf("state=%d", state))

	head := k.waitQueueAt(q)
	entry := k.waitEntryAt(e)
	if head == nil || entry == nil {
		k.violation("prepare_to_wait_exclusive", "invalid wait queue or entry handle")
		return
	}
	if !entry.initialized {
		k.violation("prepare_to_wait_exclusive", "wait entry used before init_wait")
		return
	}
	if entry.parked {
		k.violation("prepare_to_wait_exclusive", fmt.Sprintf("wait entry parked twice on %q", head.name))
		return
	}

	entry.parked = true
	entry.queue = q
	head.parked++
}

// FinishWait unparks an entry. Finishing an entry that is not parked on q is a usage violation.
func (k *Kernel) FinishWait(q WaitQueueHandle, e WaitEntryHandle) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.crossing("finish_wait", "")

	head := k.waitQueueAt(q)
	entry := k.waitEntryAt(e)
	if head == nil || entry == nil {
		k.violation("finish_wait", "invalid wait queue or entry handle")
		return
	}
	if !entry.parked || entry.queue != q {
		k.violation("finish_wait", fmt.Sprintf("finish_wait without matching prepare on %q", head.name))
		return
	}

	entry.parked = false
	entry.queue = 0
	head.parked--
}

// WakeUp records a wake-up on the queue. No task is resumed, there is nothing to resume; the wake
// counter is exposed so harnesses can assert the driver signalled its waiters.
func (k *Kernel) WakeUp(q WaitQueueHandle, mode uint32, nr int) {
	k.mu.Lock()
	defer k.mu.Unlock()

	head := k.waitQueueAt(q)
	if head == nil {
		k.violation("__wake_up", fmt.Sprintf("invalid wait queue handle 0x%x", uint32(q)))
		return
	}

	k.crossing("__wake_up", fmt.Sprintf("queue=%q mode=%d nr=%d parked=%d", head.name, mode, nr, head.parked))
	head.wakeups++
}

// Wakeups returns how many times the queue was woken during this run. Harness-facing.
func (k *Kernel) Wakeups(q WaitQueueHandle) uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()

	head := k.waitQueueAt(q)
	if head == nil {
		return 0
	}
	return head.wakeups
}

// ParkedCount returns the number of entries currently parked on the queue. Harness-facing.
func (k *Kernel) ParkedCount(q WaitQueueHandle) int {
	k.mu.Lock()
	defer k.mu.Unlock()

	head := k.waitQueueAt(q)
	if head == nil {
		return 0
	}
	return head.parked
}

// Schedule is a would-block point. It suspends nothing and only records a schedule-point event, the
// engine exercises any loop around it by varying SignalPending and the driver's wake conditions.
func (k *Kernel) Schedule() {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.event(EventSchedulePoint, "schedule", "")
}

// CondResched records a voluntary preemption point and reports that no reschedule happened.
func (k *Kernel) CondResched() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.event(EventSchedulePoint, "cond_resched", "")
	return 0
}

// SignalPending reads the simulated pending-signal state of the current task. The shim never decides
// this value itself: the oracle answers on every call, so the engine can flip it between path forks
// and drive wait loops down both their branches.
func (k *Kernel) SignalPending() bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.signalPendingLocked()
}

func (k *Kernel) signalPendingLocked() bool {
	t := k.current
	t.signalPending = t.signalPending || k.settings.Oracle.SignalPending(t.pid)

	k.crossing("signal_pending", fmt.Sprintf("pending=%t", t.signalPending))
	return t.signalPending
}
