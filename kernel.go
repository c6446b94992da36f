package kmock

import (
	"fmt"
	"sync"

	"github.com/rs/xid"
	"go.uber.org/zap"
)

// KernelSettings are the actual settings of a mock kernel, KernelOpt's can change an instance of these settings.
type KernelSettings struct {
	// Oracle supplies the outcome of every engine-controllable decision (signal pending, page allocation,
	// transfer shortfalls, entropy). If nil, FixedOracle defaults are used.
	Oracle Oracle
	// Policy applied by AllocPages
	PagePolicy PageAllocPolicy
	// Number of pages AllocPages may hand out under PageAllocBudget
	PageBudget uint64
	// Maximum number of events retained by the trace ring
	TraceCapacity int
	// Optional structured relay for trace events
	Logger *zap.Logger
	// Value reported by RngIsInitialized
	RngInitialized bool
}

// KernelOpt is a option which can be used during the creation of a mock kernel with the NewKernel function
type KernelOpt func(*KernelSettings)

// KernelOptOracle installs the exploration engine's outcome oracle.
func KernelOptOracle(o Oracle) KernelOpt {
	return func(s *KernelSettings) {
		s.Oracle = o
	}
}

// KernelOptPagePolicy sets the page allocation policy.
func KernelOptPagePolicy(p PageAllocPolicy) KernelOpt {
	return func(s *KernelSettings) {
		s.PagePolicy = p
	}
}

// KernelOptPageBudget sets the number of pages available under PageAllocBudget.
func KernelOptPageBudget(pages uint64) KernelOpt {
	return func(s *KernelSettings) {
		s.PagePolicy = PageAllocBudget
		s.PageBudget = pages
	}
}

// KernelOptTraceCapacity sets the capacity of the trace ring.
func KernelOptTraceCapacity(events int) KernelOpt {
	return func(s *KernelSettings) {
		s.TraceCapacity = events
	}
}

// KernelOptLogger relays every trace event to the given logger.
func KernelOptLogger(l *zap.Logger) KernelOpt {
	return func(s *KernelSettings) {
		s.Logger = l
	}
}

// KernelOptRngInitialized sets the value RngIsInitialized reports.
func KernelOptRngInitialized(v bool) KernelOpt {
	return func(s *KernelSettings) {
		s.RngInitialized = v
	}
}

// Kernel is a mock kernel: the process-wide state behind every shim entry point, scoped to a single
// explored path. All mock entities (device regions, cdevs, locks, pages, wait queues, tasks) are owned
// by a Kernel and reinitialized by Reset, so each symbolic-execution run gets an isolated instance.
type Kernel struct {
	mu sync.Mutex

	settings KernelSettings

	handles HandleTable
	trace   *Trace

	regions []*DeviceRegion
	misc    miscRegistrations
	sysctls int

	tasks   map[int]*Task
	current *Task
	nextPid int

	paramLock LockHandle

	pagesUsed uint64

	entropy entropyStream
	aborted bool
}

// NewKernel creates a new mock kernel from the given options. Settings not covered by an option fall
// back to the KMOCK_* environment (see config.go) and then to built-in defaults.
func NewKernel(opts ...KernelOpt) *Kernel {
	settings := settingsFromEnv()
	for _, opt := range opts {
		opt(&settings)
	}

	if settings.Oracle == nil {
		settings.Oracle = &FixedOracle{PageAllocOK: true}
	}

	k := &Kernel{settings: settings}
	k.init()

	return k
}

// init brings all shim state to its run-start condition. Called by NewKernel and Reset.
func (k *Kernel) init() {
	k.handles.reset()
	k.trace = newTrace(k.settings.TraceCapacity, k.settings.Logger, xid.New().String())

	k.regions = nil
	k.misc.reset()
	k.sysctls = 0

	k.tasks = make(map[int]*Task)
	k.nextPid = 1
	k.current = k.newTask()

	k.pagesUsed = 0
	k.entropy.seed(k.settings.Oracle)
	k.aborted = false

	// The module-param mutex exists for the lifetime of the run.
	k.paramLock = k.lockInit(lockKindMutex, "kernel_param")
}

// Reset reinitializes every mock entity in place, isolating the next explored path from the previous
// one. The settings (oracle, policies, logger) are kept; a new run ID is stamped on subsequent events.
func (k *Kernel) Reset() {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.init()
}

// Trace returns the event trace of the current run. Reset installs a fresh trace, so a pointer held
// across Reset keeps observing the finished run, not the new one.
func (k *Kernel) Trace() *Trace {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.trace
}

// RunID returns the identifier stamped on every event of the current run.
func (k *Kernel) RunID() string {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.trace.run
}

// Handles exposes the handle table, mainly so a harness can model user memory.
func (k *Kernel) Handles() *HandleTable {
	return &k.handles
}

// Aborted reports whether the driver under test hit the panic/unwind path during this run.
func (k *Kernel) Aborted() bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.aborted
}

// crossing records an instrumented boundary crossing.
func (k *Kernel) crossing(op string, detail string) {
	k.trace.record(Event{Kind: EventBoundary, Op: op, Pid: k.currentPidLocked(), Detail: detail})
}

// violation records a lifecycle usage violation. Violations are observable through the trace, the
// offending call itself returns whatever errno the real primitive would; the host process survives.
func (k *Kernel) violation(op string, detail string) {
	k.trace.record(Event{Kind: EventViolation, Op: op, Pid: k.currentPidLocked(), Detail: detail})
}

func (k *Kernel) event(kind EventKind, op string, detail string) {
	k.trace.record(Event{Kind: kind, Op: op, Pid: k.currentPidLocked(), Detail: detail})
}

// currentPidLocked must only be called while k.mu is held or from a context which can't race task
// switches; trace records tolerate a stale pid.
func (k *Kernel) currentPidLocked() int {
	if k.current == nil {
		return 0
	}
	return k.current.pid
}

// BeginUnwind is the panic hook of the code under test. The run is marked aborted and an abort event
// is recorded, the host process is never terminated (symbolic exploration must survive driver bugs).
func (k *Kernel) BeginUnwind(info string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.aborted = true
	k.event(EventAbort, "begin_unwind", info)
}

// SlabIsAvailable reports whether the slab allocator is usable, which in this environment it always is.
func (k *Kernel) SlabIsAvailable() bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.crossing("slab_is_available", "")
	return true
}

func (k *Kernel) String() string {
	return fmt.Sprintf("kmock.Kernel(run=%s, tasks=%d, regions=%d)", k.trace.run, len(k.tasks), len(k.regions))
}
