// Package allocator picks public ports for new forwarding rules.
package allocator

import (
	"errors"
	"fmt"
)

// ErrNoCapacity is returned when every port of the range is in use.
var ErrNoCapacity = errors.New("no available ports in range")

// Allocate returns the lowest port in [start, end] that is not in used.
func Allocate(start, end int, used map[int]struct{}) (int, error) {
	if start <= 0 || end > 65535 || start > end {
		return 0, fmt.Errorf("invalid port range %d-%d", start, end)
	}
	for p := start; p <= end; p++ {
		if _, taken := used[p]; !taken {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w %d-%d", ErrNoCapacity, start, end)
}

// Available counts the ports of [start, end] not present in used.
func Available(start, end int, used map[int]struct{}) int {
	if start > end {
		return 0
	}
	free := end - start + 1
	for p := range used {
		if p >= start && p <= end {
			free--
		}
	}
	return free
}
