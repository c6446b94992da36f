package kmock

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// entropyStream is the deterministic source behind the randomness shims: an xorshift64 generator
// seeded by the oracle at run start. Determinism per path matters more than quality here, the engine
// must be able to replay a path and observe identical "random" bytes.
type entropyStream struct {
	state uint64
}

func (es *entropyStream) seed(o Oracle) {
	s := uint64(0x9E3779B97F4A7C15)
	if o != nil {
		s ^= o.EntropySeed()
	}
	if s == 0 {
		s = 1
	}
	es.state = s
}

// mix folds caller-provided bytes into the stream, the add_device_randomness contract.
func (es *entropyStream) mix(b []byte) {
	for _, c := range b {
		es.state = (es.state ^ uint64(c)) * 0x100000001B3
	}
	if es.state == 0 {
		es.state = 1
	}
}

func (es *entropyStream) next() uint64 {
	x := es.state
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	es.state = x
	return x
}

func (es *entropyStream) fill(b []byte) {
	for i := range b {
		if i%8 == 0 {
			es.next()
		}
		b[i] = byte(es.state >> ((i % 8) * 8))
	}
}

// RngIsInitialized reports whether the modeled entropy pool is ready. Defaults to true; a harness can
// flip it with KernelOptRngInitialized to reach the driver's not-yet-seeded branches.
func (k *Kernel) RngIsInitialized() bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.crossing("rng_is_initialized", fmt.Sprintf("initialized=%t", k.settings.RngInitialized))
	return k.settings.RngInitialized
}

// WaitForRandomBytes models waiting for the entropy pool. Nothing blocks; when a signal is pending
// for the current task the wait is interrupted with -EINTR, otherwise it succeeds immediately.
func (k *Kernel) WaitForRandomBytes() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.crossing("wait_for_random_bytes", "")

	if k.signalPendingLocked() {
		return errno(unix.EINTR)
	}
	return 0
}

// GetRandomBytes fills b from the run's deterministic entropy stream.
func (k *Kernel) GetRandomBytes(b []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.crossing("get_random_bytes", fmt.Sprintf("len=%d", len(b)))
	k.entropy.fill(b)
}

// AddDeviceRandomness mixes caller bytes into the entropy stream and records the contribution.
func (k *Kernel) AddDeviceRandomness(b []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.crossing("add_device_randomness", fmt.Sprintf("len=%d", len(b)))
	k.entropy.mix(b)
}
