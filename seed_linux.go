//go:build linux

package kmock

import (
	"encoding/binary"
	"time"

	"golang.org/x/sys/unix"
)

func hostEntropySeed() uint64 {
	var b [8]byte
	if n, err := unix.Getrandom(b[:], 0); err != nil || n != len(b) {
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}
