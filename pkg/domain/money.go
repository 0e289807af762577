package domain

import (
	"fmt"
	"math"
	"time"
)

const (
	DateLayout = "2006-01-02"
	// NaiveLayout renders a wall-clock time without any offset.
	NaiveLayout = "2006-01-02T15:04:05"
	// NaiveMicroLayout is NaiveLayout with microsecond precision.
	NaiveMicroLayout = "2006-01-02T15:04:05.000000"
)

// Round2 rounds half away from zero to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func FormatAmount(currency string, v float64) string {
	return fmt.Sprintf("%s %.2f", currency, v)
}

// DateOf truncates t to midnight in its own location.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func SameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
