package scheduler

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Granularity decides how an "HH:MM" slot matches clock minutes.
type Granularity string

const (
	// GranularityMinute fires at exactly HH:MM.
	GranularityMinute Granularity = "minute"
	// GranularityHour fires at the first evaluated minute of hour HH.
	GranularityHour Granularity = "hour"
)

func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(strings.ToLower(strings.TrimSpace(s))) {
	case "", GranularityMinute:
		return GranularityMinute, nil
	case GranularityHour:
		return GranularityHour, nil
	default:
		return "", fmt.Errorf("unknown slot granularity %q (use minute or hour)", s)
	}
}

var (
	reHHMM   = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)
	reName   = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)
	parser   = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	errEmpty = errors.New("slot time required")
)

// Slot is one named daily delivery opportunity.
type Slot struct {
	Name string
	// At is the configured time: "HH:MM" or "cron:<expr>".
	At string
	// Expr is the cron expression At was compiled to.
	Expr string

	sched cron.Schedule
}

// ParseSlot compiles at into a cron schedule. "HH:MM" honours g; the
// "cron:" prefix takes a five-field expression or a descriptor verbatim.
func ParseSlot(name, at string, g Granularity) (Slot, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if !reName.MatchString(name) {
		return Slot{}, fmt.Errorf("invalid slot name %q (lowercase letters, digits, '-' and '_')", name)
	}
	raw := strings.TrimSpace(at)
	if raw == "" {
		return Slot{}, fmt.Errorf("slot %s: %w", name, errEmpty)
	}

	var expr string
	if strings.HasPrefix(strings.ToLower(raw), "cron:") {
		expr = strings.TrimSpace(raw[len("cron:"):])
		if expr == "" {
			return Slot{}, fmt.Errorf("slot %s: cron expression required after 'cron:'", name)
		}
	} else {
		m := reHHMM.FindStringSubmatch(raw)
		if m == nil {
			return Slot{}, fmt.Errorf("slot %s: invalid time %q (use HH:MM or cron:<expr>)", name, at)
		}
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if hh > 23 || mm > 59 {
			return Slot{}, fmt.Errorf("slot %s: time %q out of range", name, at)
		}
		if g == GranularityHour {
			expr = fmt.Sprintf("* %d * * *", hh)
		} else {
			expr = fmt.Sprintf("%d %d * * *", mm, hh)
		}
	}

	sched, err := parser.Parse(expr)
	if err != nil {
		return Slot{}, fmt.Errorf("slot %s: %w", name, err)
	}
	return Slot{Name: name, At: raw, Expr: expr, sched: sched}, nil
}

// Matches reports whether the slot fires in the clock minute containing t,
// read in t's location.
func (s Slot) Matches(t time.Time) bool {
	m := truncateMinute(t)
	return s.sched.Next(m.Add(-time.Second)).Equal(m)
}

// Next is the first firing minute strictly after t.
func (s Slot) Next(t time.Time) time.Time { return s.sched.Next(t) }

// truncateMinute drops seconds in t's own location.
func truncateMinute(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, t.Location())
}

type SlotConfig struct {
	Name string
	At   string
}

// ParseSlots compiles every slot and rejects duplicate names.
func ParseSlots(cfgs []SlotConfig, g Granularity) ([]Slot, error) {
	out := make([]Slot, 0, len(cfgs))
	seen := map[string]bool{}
	var errs []error
	for _, c := range cfgs {
		s, err := ParseSlot(c.Name, c.At, g)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("duplicate slot name %q", s.Name))
			continue
		}
		seen[s.Name] = true
		out = append(out, s)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}
