package kmock

// Oracle is the seam between the shim layer and the symbolic-execution engine. Every outcome the spec
// leaves to the engine (pending signals, allocation success, transfer shortfalls, entropy) is obtained
// through this interface, so the engine can fork a path and answer differently on each side of the
// fork. Implementations must be deterministic within one explored path.
type Oracle interface {
	// SignalPending reports whether a signal should be considered pending for the given task.
	SignalPending(pid int) bool
	// AllocPages decides whether an allocation of 2^order pages succeeds. Only consulted when the
	// kernel's page policy is PageAllocOracle.
	AllocPages(gfp GFP, order uint32) bool
	// TransferShortfall returns how many tail bytes of an n-byte boundary transfer should fail even
	// though the modeled memory is valid, letting the engine explore short copies at will. Values
	// larger than n are clamped.
	TransferShortfall(n uint32) uint32
	// EntropySeed seeds the run's deterministic entropy stream (get_random_bytes and friends).
	EntropySeed() uint64
}

// FixedOracle answers every decision with a constant, the plain choice for a single explored path.
// The zero value pends no signals, fails page allocations and produces a zero-seeded entropy stream.
type FixedOracle struct {
	Pending     bool
	PageAllocOK bool
	Shortfall   uint32
	Seed        uint64
}

var _ Oracle = (*FixedOracle)(nil)

func (o *FixedOracle) SignalPending(pid int) bool {
	return o.Pending
}

func (o *FixedOracle) AllocPages(gfp GFP, order uint32) bool {
	return o.PageAllocOK
}

func (o *FixedOracle) TransferShortfall(n uint32) uint32 {
	return o.Shortfall
}

func (o *FixedOracle) EntropySeed() uint64 {
	return o.Seed
}

// HostSeededOracle returns a FixedOracle whose entropy stream is seeded from the host, for harnesses
// that want a unique trace per invocation rather than a replayable one.
func HostSeededOracle() *FixedOracle {
	return &FixedOracle{PageAllocOK: true, Seed: hostEntropySeed()}
}

// ScriptOracle answers decisions from queues, falling back to Fallback when a queue runs dry. Useful
// for harnesses that replay a recorded path: push the outcomes the engine chose, run the driver, and
// the shims observe the same world.
type ScriptOracle struct {
	Pending    []bool
	AllocOK    []bool
	Shortfalls []uint32
	Fallback   FixedOracle
}

var _ Oracle = (*ScriptOracle)(nil)

func (o *ScriptOracle) SignalPending(pid int) bool {
	if len(o.Pending) > 0 {
		v := o.Pending[0]
		o.Pending = o.Pending[1:]
		return v
	}
	return o.Fallback.SignalPending(pid)
}

func (o *ScriptOracle) AllocPages(gfp GFP, order uint32) bool {
	if len(o.AllocOK) > 0 {
		v := o.AllocOK[0]
		o.AllocOK = o.AllocOK[1:]
		return v
	}
	return o.Fallback.AllocPages(gfp, order)
}

func (o *ScriptOracle) TransferShortfall(n uint32) uint32 {
	if len(o.Shortfalls) > 0 {
		v := o.Shortfalls[0]
		o.Shortfalls = o.Shortfalls[1:]
		return v
	}
	return o.Fallback.TransferShortfall(n)
}

func (o *ScriptOracle) EntropySeed() uint64 {
	return o.Fallback.EntropySeed()
}

// shortfall clamps the oracle's requested shortfall for an n-byte transfer.
func (k *Kernel) shortfall(n uint32) uint32 {
	sf := k.settings.Oracle.TransferShortfall(n)
	if sf > n {
		sf = n
	}
	return sf
}
