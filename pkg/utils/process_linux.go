//go:build linux

package utils

import (
	"github.com/srand/slicer/pkg/log"
	"golang.org/x/sys/unix"
)

func DisableTHP() {
	// Disable transparent huge pages to keep memory deltas of slices comparable.
	log.Info("Disabling transparent huge pages")
	if err := unix.Prctl(unix.PR_SET_THP_DISABLE, 1, 0, 0, 0); err != nil {
		log.Warn("Failed to disable transparent huge pages:", err)
	}
}

// Peak resident set size of the process in bytes.
func PeakRSS() int64 {
	var usage unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &usage); err != nil {
		return 0
	}
	// Linux reports kilobytes
	return usage.Maxrss * 1024
}
