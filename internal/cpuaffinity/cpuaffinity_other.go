//go:build !linux

package cpuaffinity

import "errors"

func setAffinity(cpu uint) error {
	return errors.New("cpuaffinity: sched_setaffinity not supported on this platform")
}
