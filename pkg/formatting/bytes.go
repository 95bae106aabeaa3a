package formatting

import "strconv"

var byteUnits = [...]string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// FormatBytes renders a byte count as a human-readable base-1024 size, as
// reported by the cleanup sweep. Negative precision is clamped to zero.
func FormatBytes(n int64, precision int) string {
	if precision < 0 {
		precision = 0
	}

	value := float64(n)
	unit := 0
	for value >= 1024 && unit < len(byteUnits)-1 {
		value /= 1024
		unit++
	}

	return strconv.FormatFloat(value, 'f', precision, 64) + " " + byteUnits[unit]
}
