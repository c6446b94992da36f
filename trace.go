package kmock

import (
	"encoding/json"
	"io"
	"sync"

	"go.uber.org/zap"
)

// EventKind classifies a trace event.
type EventKind uint8

const (
	// EventBoundary is an ordinary instrumented boundary crossing: driver code called a shim.
	EventBoundary EventKind = iota
	// EventDiagnostic is a printk-style diagnostic call.
	EventDiagnostic
	// EventViolation is a lifecycle usage violation (double free, unlock without lock, use after unmap).
	EventViolation
	// EventDeadlock is the acquire-of-a-held-lock modeling contradiction.
	EventDeadlock
	// EventTeardownOrder flags a legal but suspicious teardown order (cdev deleted after its region).
	EventTeardownOrder
	// EventSchedulePoint marks a would-block point (schedule, cond_resched) that the engine may fork on.
	EventSchedulePoint
	// EventAbort is the panic/unwind hook of the code under test.
	EventAbort
)

var eventKindNames = map[EventKind]string{
	EventBoundary:      "boundary",
	EventDiagnostic:    "diagnostic",
	EventViolation:     "violation",
	EventDeadlock:      "deadlock",
	EventTeardownOrder: "teardown-order",
	EventSchedulePoint: "schedule-point",
	EventAbort:         "abort",
}

// String implements fmt.Stringer
func (ek EventKind) String() string {
	if name, found := eventKindNames[ek]; found {
		return name
	}
	return "unknown"
}

// MarshalJSON encodes the kind as its name so exported traces stay readable across versions.
func (ek EventKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(ek.String())
}

// Event is a single observation made at a shim entry point. Diagnostic events additionally carry the
// raw format descriptor, its level token and the tagged argument list; the format is never rendered.
type Event struct {
	Run    string    `json:"run"`
	Seq    uint64    `json:"seq"`
	Kind   EventKind `json:"kind"`
	Op     string    `json:"op"`
	Pid    int       `json:"pid"`
	Detail string    `json:"detail,omitempty"`
	Level  string    `json:"level,omitempty"`
	Format string    `json:"format,omitempty"`
	Args   []FmtArg  `json:"args,omitempty"`
}

// Trace is a bounded ring of events observed during one run. When the ring is full the oldest event is
// dropped, the drop count is kept so a harness can tell the trace is partial.
type Trace struct {
	mu sync.Mutex

	ring  []Event
	next  int
	count int

	seq     uint64
	dropped uint64

	logger *zap.Logger
	run    string
}

func newTrace(capacity int, logger *zap.Logger, run string) *Trace {
	if capacity <= 0 {
		capacity = defaultTraceCapacity
	}

	return &Trace{
		ring:   make([]Event, capacity),
		logger: logger,
		run:    run,
	}
}

func (t *Trace) record(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	ev.Seq = t.seq
	ev.Run = t.run

	t.ring[t.next] = ev
	t.next = (t.next + 1) % len(t.ring)
	if t.count < len(t.ring) {
		t.count++
	} else {
		t.dropped++
	}

	t.relay(ev)
}

func (t *Trace) relay(ev Event) {
	if t.logger == nil {
		return
	}

	fields := []zap.Field{
		zap.String("run", ev.Run),
		zap.Uint64("seq", ev.Seq),
		zap.String("op", ev.Op),
		zap.Int("pid", ev.Pid),
	}
	if ev.Detail != "" {
		fields = append(fields, zap.String("detail", ev.Detail))
	}

	switch ev.Kind {
	case EventDiagnostic:
		fields = append(fields, zap.String("level", ev.Level), zap.String("format", ev.Format))
		t.logger.Info("printk", fields...)
	case EventViolation, EventDeadlock, EventAbort:
		t.logger.Warn(ev.Kind.String(), fields...)
	default:
		t.logger.Debug(ev.Kind.String(), fields...)
	}
}

// Events returns the retained events, oldest first. The returned slice is a copy.
func (t *Trace) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	ls := make([]Event, 0, t.count)
	start := t.next - t.count
	if start < 0 {
		start += len(t.ring)
	}
	for i := 0; i < t.count; i++ {
		ls = append(ls, t.ring[(start+i)%len(t.ring)])
	}

	return ls
}

// OfKind returns the retained events of the given kind, oldest first.
func (t *Trace) OfKind(kind EventKind) []Event {
	var ls []Event
	for _, ev := range t.Events() {
		if ev.Kind == kind {
			ls = append(ls, ev)
		}
	}
	return ls
}

// Violations returns every retained event that indicates driver misuse, which is what most harnesses
// assert on after a run: deadlocks and lifecycle violations.
func (t *Trace) Violations() []Event {
	var ls []Event
	for _, ev := range t.Events() {
		if ev.Kind == EventViolation || ev.Kind == EventDeadlock {
			ls = append(ls, ev)
		}
	}
	return ls
}

// Len returns the number of retained events.
func (t *Trace) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Dropped returns the number of events lost to the ring bound.
func (t *Trace) Dropped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// WriteJSON writes the retained events to w as a JSON array, for offline inspection of a run.
func (t *Trace) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	return enc.Encode(t.Events())
}
