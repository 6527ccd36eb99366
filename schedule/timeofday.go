package schedule

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/RaphaLefth/pillquest/errs"
)

// TimeOfDay is a wall-clock time with minute resolution.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM" (24 hour clock).  A single-digit hour is
// accepted.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(hh) < 1 || len(hh) > 2 || len(mm) != 2 {
		return TimeOfDay{}, errs.Newf(errs.KindValidation, "time of day %q is not HH:MM", s)
	}

	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return TimeOfDay{}, errs.Newf(errs.KindValidation, "time of day %q has bad hour", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return TimeOfDay{}, errs.Newf(errs.KindValidation, "time of day %q has bad minute", s)
	}

	return TimeOfDay{Hour: h, Minute: m}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// EvenlySpaced builds a schedule of frequency times starting at first and
// spaced 24/frequency hours apart (integer hours), wrapping past midnight.
func EvenlySpaced(first TimeOfDay, frequency int) ([]string, error) {
	if frequency < 1 || frequency > MaxFrequency {
		return nil, errs.Newf(errs.KindValidation, "frequency %d out of range [1, %d]", frequency, MaxFrequency)
	}

	interval := 24 / frequency
	out := make([]string, 0, frequency)
	for i := 0; i < frequency; i++ {
		out = append(out, TimeOfDay{
			Hour:   (first.Hour + i*interval) % 24,
			Minute: first.Minute,
		}.String())
	}
	return out, nil
}
