package chessdto

import (
	"strconv"
	"strings"
	"time"
)

// TimerSnapshot is the server's authoritative clock reading. Times are seconds.
type TimerSnapshot struct {
	WhiteTime    float64   `json:"white_time"`
	BlackTime    float64   `json:"black_time"`
	CurrentTurn  Side      `json:"current_turn"`
	TimePressure string    `json:"time_pressure,omitempty"`
	Increment    float64   `json:"increment,omitempty"`
	Finished     bool      `json:"finished,omitempty"`
	TakenAt      time.Time `json:"taken_at,omitempty"`
}

// Remaining returns side's remaining time as a duration.
func (t TimerSnapshot) Remaining(side Side) time.Duration {
	if side == Black {
		return Seconds(t.BlackTime)
	}
	return Seconds(t.WhiteTime)
}

// Seconds converts fractional seconds to a duration, clamping negatives to zero.
func Seconds(v float64) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}

// ParseTimeControl reads a PGN TimeControl value, "<base>+<increment>" in
// seconds ("600+5"). A bare "<base>" has no increment. Untimed ("-", "none",
// empty) and malformed values report ok=false.
func ParseTimeControl(tc string) (base, increment time.Duration, ok bool) {
	tc = strings.TrimSpace(tc)
	if tc == "" || tc == "-" || strings.EqualFold(tc, "none") {
		return 0, 0, false
	}
	basePart, incPart, hasInc := strings.Cut(tc, "+")
	b, err := strconv.ParseFloat(strings.TrimSpace(basePart), 64)
	if err != nil || b <= 0 {
		return 0, 0, false
	}
	var inc float64
	if hasInc {
		inc, err = strconv.ParseFloat(strings.TrimSpace(incPart), 64)
		if err != nil || inc < 0 {
			return 0, 0, false
		}
	}
	return Seconds(b), Seconds(inc), true
}
