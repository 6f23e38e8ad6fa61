package chessdto

import (
	"testing"
	"time"
)

func TestParseTimeControl(t *testing.T) {
	cases := []struct {
		in        string
		base, inc time.Duration
		ok        bool
	}{
		{"600+5", 600 * time.Second, 5 * time.Second, true},
		{" 180 + 2 ", 180 * time.Second, 2 * time.Second, true},
		{"300", 300 * time.Second, 0, true},
		{"", 0, 0, false},
		{"-", 0, 0, false},
		{"none", 0, 0, false},
		{"10+x", 0, 0, false},
		{"0+5", 0, 0, false},
	}
	for _, c := range cases {
		base, inc, ok := ParseTimeControl(c.in)
		if ok != c.ok || base != c.base || inc != c.inc {
			t.Fatalf("ParseTimeControl(%q) = %v, %v, %v", c.in, base, inc, ok)
		}
	}
}
