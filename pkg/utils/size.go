package utils

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
)

// "16MiB", "4 MB", "512K" or a plain byte count.
var byteSizeRe = regexp.MustCompile(`^\s*([0-9]+)\s*([KMGTPE]i?)?B?\s*$`)

var byteSizeUnits = map[string]int64{
	"":   1,
	"K":  1e3,
	"M":  1e6,
	"G":  1e9,
	"T":  1e12,
	"P":  1e15,
	"E":  1e18,
	"Ki": 1 << 10,
	"Mi": 1 << 20,
	"Gi": 1 << 30,
	"Ti": 1 << 40,
	"Pi": 1 << 50,
	"Ei": 1 << 60,
}

// Parse a byte size such as a gRPC max_message_size setting.
// Decimal prefixes are powers of 1000, binary ones powers of 1024.
func ParseSize(size string) (int64, error) {
	m := byteSizeRe.FindStringSubmatch(size)
	if m == nil {
		return 0, fmt.Errorf("invalid byte size %q", size)
	}

	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q", size)
	}

	unit := byteSizeUnits[m[2]]
	if n > math.MaxInt64/unit {
		return 0, fmt.Errorf("byte size %q overflows", size)
	}
	return n * unit, nil
}

var humanUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB", "EiB"}

// Render a byte count with binary prefixes, as logged for message size
// limits and worker memory.
func HumanByteSize(n int64) string {
	sign := ""
	if n < 0 {
		sign = "-"
	}

	size := math.Abs(float64(n))
	unit := 0
	for size >= 1024 && unit < len(humanUnits)-1 {
		size /= 1024
		unit++
	}

	switch {
	case unit < 2:
		return fmt.Sprintf("%s%.0f%s", sign, size, humanUnits[unit])
	case unit == 2:
		return fmt.Sprintf("%s%.1f%s", sign, size, humanUnits[unit])
	default:
		return fmt.Sprintf("%s%.2f%s", sign, size, humanUnits[unit])
	}
}
