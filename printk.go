package kmock

import "fmt"

// Kernel log levels, encoded the way the kernel does: an SOH byte followed by the level character,
// prefixed to the format string.
const (
	KernEmerg   = "\x010"
	KernAlert   = "\x011"
	KernCrit    = "\x012"
	KernErr     = "\x013"
	KernWarning = "\x014"
	KernNotice  = "\x015"
	KernInfo    = "\x016"
	KernDebug   = "\x017"
	KernCont    = "\x01c"
)

// printkMaxArgs caps how many arguments a diagnostic event retains. Argument types are
// caller-controlled and can't be trusted, so the format string is never rendered against them; a
// bounded tagged list is relayed to the engine's own expression printer instead, surplus arguments
// are counted but dropped.
const printkMaxArgs = 8

// FmtKind tags the payload of a FmtArg.
type FmtKind uint8

const (
	FmtInt FmtKind = iota
	FmtUint
	FmtStr
	FmtPtr
)

var fmtKindNames = map[FmtKind]string{
	FmtInt:  "int",
	FmtUint: "uint",
	FmtStr:  "str",
	FmtPtr:  "ptr",
}

// String implements fmt.Stringer
func (fk FmtKind) String() string {
	if name, found := fmtKindNames[fk]; found {
		return name
	}
	return "unknown"
}

// FmtArg is a single tagged printk argument.
type FmtArg struct {
	Kind FmtKind `json:"kind"`
	Int  int64   `json:"int,omitempty"`
	Uint uint64  `json:"uint,omitempty"`
	Str  string  `json:"str,omitempty"`
}

// Int wraps a signed integer argument.
func Int(v int64) FmtArg {
	return FmtArg{Kind: FmtInt, Int: v}
}

// Uint wraps an unsigned integer argument.
func Uint(v uint64) FmtArg {
	return FmtArg{Kind: FmtUint, Uint: v}
}

// Str wraps a string argument.
func Str(v string) FmtArg {
	return FmtArg{Kind: FmtStr, Str: v}
}

// Ptr wraps a pointer-like argument as its raw token value.
func Ptr(v uint64) FmtArg {
	return FmtArg{Kind: FmtPtr, Uint: v}
}

// splitLevel strips the kernel level prefix from a printk format, returning the level token ("0".."7",
// "c") and the remaining format. Formats without a prefix default to the warning level, as the kernel
// does for unleveled messages.
func splitLevel(format string) (string, string) {
	if len(format) >= 2 && format[0] == '\x01' {
		switch c := format[1]; {
		case c >= '0' && c <= '7', c == 'c':
			return string(c), format[2:]
		}
	}
	return "4", format
}

// Printk is the diagnostic shim. It records the call as a diagnostic event carrying the raw format
// descriptor and a capped, tagged argument list; it never renders the format and never fails,
// returning a non-negative count regardless of how malformed the arguments are. Driver code can call
// it with anything, the only observable effect is the trace entry.
func (k *Kernel) Printk(format string, args ...FmtArg) int {
	k.mu.Lock()
	defer k.mu.Unlock()

	level, body := splitLevel(format)

	kept := args
	var detail string
	if len(kept) > printkMaxArgs {
		kept = kept[:printkMaxArgs]
		detail = fmt.Sprintf("%d args dropped", len(args)-printkMaxArgs)
	}
	// Copy so later caller mutation can't rewrite recorded history.
	recorded := make([]FmtArg, len(kept))
	copy(recorded, kept)

	k.trace.record(Event{
		Kind:   EventDiagnostic,
		Op:     "printk",
		Pid:    k.currentPidLocked(),
		Detail: detail,
		Level:  level,
		Format: body,
		Args:   recorded,
	})

	return len(body)
}
