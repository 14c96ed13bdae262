package utils

import (
	"math"
	"strconv"
)

// FormatSeconds formats seconds for ffmpeg arguments with millisecond
// precision and no trailing zeros ("10", "2.5", "0.125").
func FormatSeconds(seconds float64) string {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 {
		seconds = 0
	}
	return strconv.FormatFloat(math.Round(seconds*1000)/1000, 'f', -1, 64)
}
