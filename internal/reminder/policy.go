// Package reminder maps event types to the reminder offsets they accept.
package reminder

import (
	"slices"
	"time"

	"lessoncal/internal/model"
)

// maxOpenOption caps the day offsets offered for unconstrained types.
const maxOpenOption = 7

// Constraint is the reminder rule for one event type.
//
// A nil Allowed means any non-negative offset. A non-nil Forced overrides
// every value.
type Constraint struct {
	Allowed []int `yaml:"allowed,omitempty" json:"allowed,omitempty"`
	Default int   `yaml:"default" json:"default"`
	Forced  *int  `yaml:"forced,omitempty" json:"forced,omitempty"`
}

// Permits reports whether n satisfies the constraint.
func (c Constraint) Permits(n int) bool {
	if n < 0 {
		return false
	}
	if c.Forced != nil {
		return n == *c.Forced
	}
	if c.Allowed == nil {
		return true
	}
	return slices.Contains(c.Allowed, n)
}

// Rule binds a Constraint to an event type. It is the configuration form of
// a Table entry.
type Rule struct {
	Type       model.EventType `yaml:"type" json:"type"`
	Constraint `yaml:",inline"`
}

// Table is the event type → constraint lookup. Types without an entry are
// unconstrained and carry no reminder.
type Table map[model.EventType]Constraint

func intPtr(v int) *int { return &v }

// DefaultTable returns the built-in rules: tests remind one or two days
// ahead, homework always the day before.
func DefaultTable() Table {
	return Table{
		model.EventTest:     {Allowed: []int{1, 2}, Default: 2},
		model.EventHomework: {Forced: intPtr(1), Default: 1},
	}
}

// With returns a copy of t with rules layered on top.
func (t Table) With(rules ...Rule) Table {
	out := make(Table, len(t)+len(rules))
	for k, v := range t {
		out[k] = v
	}
	for _, r := range rules {
		out[r.Type] = r.Constraint
	}
	return out
}

// Constraints returns the constraint for typ. Unknown types get an
// unconstrained entry whose Default is current.
func (t Table) Constraints(typ model.EventType, current int) Constraint {
	if c, ok := t[typ]; ok {
		return c
	}
	return Constraint{Default: max(current, 0)}
}

// Apply corrects n so that it satisfies the constraint for typ.
// Apply(typ, Apply(typ, n)) == Apply(typ, n).
func (t Table) Apply(typ model.EventType, n int) int {
	c := t.Constraints(typ, n)
	switch {
	case c.Forced != nil:
		return *c.Forced
	case c.Permits(n):
		return n
	case c.Allowed == nil:
		return 0
	case c.Permits(c.Default):
		return c.Default
	case len(c.Allowed) > 0:
		// Misconfigured default; fall back to the first allowed value.
		return c.Allowed[0]
	default:
		return max(c.Default, 0)
	}
}

// Attaches reports whether events of typ carry a reminder.
func (t Table) Attaches(typ model.EventType) bool {
	_, ok := t[typ]
	return ok
}

// Options lists the day offsets a user may pick for typ.
func (t Table) Options(typ model.EventType) []int {
	c, ok := t[typ]
	switch {
	case ok && c.Forced != nil:
		return []int{*c.Forced}
	case ok && c.Allowed != nil:
		out := slices.Clone(c.Allowed)
		slices.Sort(out)
		return out
	default:
		out := make([]int, 0, maxOpenOption+1)
		for i := 0; i <= maxOpenOption; i++ {
			out = append(out, i)
		}
		return out
	}
}

// MaxLeadDays is the largest reminder offset LeadTime accepts.
const MaxLeadDays = 1_000_000

// LeadTime computes how many minutes before start a reminder set daysBefore
// days ahead at the given time of day fires. ok is false when that moment is
// not before start, in which case no reminder should be attached.
//
// Offsets beyond MaxLeadDays are rejected. The difference is taken in Unix
// seconds because time.Duration saturates after about 292 years.
func LeadTime(start time.Time, daysBefore int, at model.ClockTime) (minutes int, ok bool) {
	if daysBefore > MaxLeadDays {
		return 0, false
	}
	day := start.AddDate(0, 0, -daysBefore)
	moment := at.On(day)
	if !moment.Before(start) {
		return 0, false
	}
	secs := start.Unix() - moment.Unix()
	return int((secs + 30) / 60), true
}
