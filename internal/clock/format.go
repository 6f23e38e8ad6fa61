package clock

import (
	"fmt"
	"time"
)

// Pressure is a presentation-only urgency level.
type Pressure string

const (
	PressureNone     Pressure = ""
	PressureLow      Pressure = "low"
	PressureCritical Pressure = "critical"
)

const (
	lowThreshold      = 30 * time.Second
	criticalThreshold = 10 * time.Second
)

func PressureOf(remaining time.Duration) Pressure {
	switch {
	case remaining <= criticalThreshold:
		return PressureCritical
	case remaining <= lowThreshold:
		return PressureLow
	default:
		return PressureNone
	}
}

// Format renders d as m:ss (h:mm:ss from one hour), rounding down.
func Format(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	h, m, s := total/3600, (total/60)%60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
