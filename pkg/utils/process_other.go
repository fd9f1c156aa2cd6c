//go:build !linux

package utils

func DisableTHP() {}

// Peak resident set size is only tracked on Linux.
func PeakRSS() int64 {
	return 0
}
