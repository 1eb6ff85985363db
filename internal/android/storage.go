package android

import (
	"math"
	"strconv"
	"strings"
)

// MinFreeKB is the free space /sdcard must offer before an emulator capture.
const MinFreeKB = 5120

// FreeSpaceKB extracts the free space of /sdcard in KB from `df` output.
//
// The first line mentioning /sdcard or mnt/shell is used. Old emulators
// print a "<size> total, <used> used, <free> available" layout where the
// free value is field 5; newer ones print columns where it is field 3. The
// heuristic only holds for those layouts; anything else yields 0.
func FreeSpaceKB(lines []string) int64 {
	for _, line := range lines {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "/sdcard") || strings.Contains(lower, "mnt/shell") {
			return parseFreeField(line)
		}
	}
	return 0
}

func parseFreeField(line string) int64 {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return 0
	}
	index := 3
	if strings.Contains(line, "available") {
		index = 5
	}
	if index >= len(fields) {
		return 0
	}
	return ParseSizeKB(fields[index])
}

// ParseSizeKB converts a df size such as "12345K", "12M" or "1.5G" to KB,
// rounded to the nearest KB. Values without a unit or that do not parse are 0.
func ParseSizeKB(value string) int64 {
	value = strings.TrimRight(strings.TrimSpace(value), ",")
	var multiplier float64
	switch {
	case strings.HasSuffix(value, "K"):
		multiplier = 1
	case strings.HasSuffix(value, "M"):
		multiplier = 1024
	case strings.HasSuffix(value, "G"):
		multiplier = 1024 * 1024
	default:
		return 0
	}
	number, err := strconv.ParseFloat(value[:len(value)-1], 64)
	if err != nil || number < 0 || math.IsInf(number, 0) || math.IsNaN(number) {
		return 0
	}
	return int64(math.Round(number * multiplier))
}
