package editcap

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"firestige.xyz/capdissect/internal/core"
)

type span struct {
	first, last int
}

// Selection is a set of 1-based record numbers given as N or N-M items.
type Selection struct {
	spans []span
}

// ParseSelection parses record selectors such as "3" or "10-20".
func ParseSelection(items []string) (Selection, error) {
	var s Selection
	for _, item := range items {
		first, last, isRange := strings.Cut(strings.TrimSpace(item), "-")
		a, err := strconv.Atoi(first)
		if err != nil || a < 1 {
			return Selection{}, fmt.Errorf("%w: %q", core.ErrInvalidSelection, item)
		}
		b := a
		if isRange {
			b, err = strconv.Atoi(last)
			if err != nil || b < a {
				return Selection{}, fmt.Errorf("%w: %q", core.ErrInvalidSelection, item)
			}
		}
		s.spans = append(s.spans, span{a, b})
	}
	return s, nil
}

// Empty reports whether nothing was selected.
func (s Selection) Empty() bool { return len(s.spans) == 0 }

// Contains reports whether record n is selected.
func (s Selection) Contains(n int) bool {
	for _, sp := range s.spans {
		if n >= sp.first && n <= sp.last {
			return true
		}
	}
	return false
}

func (s Selection) String() string {
	parts := make([]string, len(s.spans))
	for i, sp := range s.spans {
		if sp.first == sp.last {
			parts[i] = strconv.Itoa(sp.first)
		} else {
			parts[i] = fmt.Sprintf("%d-%d", sp.first, sp.last)
		}
	}
	return strings.Join(parts, ",")
}

// ParseTimeShift parses a signed number of seconds with up to microsecond
// precision, e.g. "3600", "-0.5" or ".25".
func ParseTimeShift(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	whole, frac, hasFrac := strings.Cut(s, ".")

	invalid := fmt.Errorf("%w: %q isn't a valid time adjustment", core.ErrConfigInvalid, s)
	var secs int64
	if whole != "" {
		v, err := strconv.ParseInt(whole, 10, 64)
		if err != nil || v < 0 {
			return 0, invalid
		}
		secs = v
	} else if !hasFrac {
		return 0, invalid
	}
	var usec int64
	if hasFrac {
		if frac == "" || len(frac) > 6 {
			return 0, invalid
		}
		v, err := strconv.ParseInt(frac, 10, 64)
		if err != nil || v < 0 {
			return 0, invalid
		}
		for n := len(frac); n < 6; n++ {
			v *= 10
		}
		usec = v
	}
	d := time.Duration(secs)*time.Second + time.Duration(usec)*time.Microsecond
	if neg {
		d = -d
	}
	return d, nil
}
