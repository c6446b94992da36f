//go:build !linux

package kmock

import "time"

func hostEntropySeed() uint64 {
	return uint64(time.Now().UnixNano())
}
