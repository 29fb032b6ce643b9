package gcalnotify

import (
	"fmt"
	"strings"
	"time"

	"github.com/mashiike/gcalnotify/pkg/gcalnotifyevent"
)

// Tracked fields, in the order Diff reports them.
const (
	FieldSummary     = "Summary"
	FieldDescription = "Description"
	FieldLocation    = "Location"
	FieldTime        = "Time"
	FieldColor       = "Color"
)

const (
	emptyValue   = "(empty)"
	unknownValue = "Unknown"
)

// FieldChange describes one tracked field that differs between two snapshots.
// Old and New are already rendered; Description changes carry no values.
type FieldChange struct {
	Field string
	Old   string
	New   string
}

func (c FieldChange) String() string {
	switch c.Field {
	case FieldDescription:
		return "Description updated"
	case FieldTime:
		return fmt.Sprintf("Time moved: %s -> %s", c.Old, c.New)
	case FieldColor:
		return fmt.Sprintf("Color changed from %s to %s", c.Old, c.New)
	default:
		return fmt.Sprintf(`%s changed from "%s" to "%s"`, c.Field, c.Old, c.New)
	}
}

// Diff compares the tracked fields of two events.
// It returns nil when nothing tracked differs.
func Diff(oldEvent, newEvent *gcalnotifyevent.Event) []FieldChange {
	if oldEvent == nil {
		oldEvent = &gcalnotifyevent.Event{}
	}
	if newEvent == nil {
		newEvent = &gcalnotifyevent.Event{}
	}
	var changes []FieldChange
	if oldEvent.Summary != newEvent.Summary {
		changes = append(changes, FieldChange{
			Field: FieldSummary,
			Old:   orEmpty(oldEvent.Summary),
			New:   orEmpty(newEvent.Summary),
		})
	}
	if strings.TrimSpace(oldEvent.Description) != strings.TrimSpace(newEvent.Description) {
		changes = append(changes, FieldChange{Field: FieldDescription})
	}
	if oldEvent.Location != newEvent.Location {
		changes = append(changes, FieldChange{
			Field: FieldLocation,
			Old:   orEmpty(oldEvent.Location),
			New:   orEmpty(newEvent.Location),
		})
	}
	if !sameBound(oldEvent.Start, newEvent.Start) || !sameBound(oldEvent.End, newEvent.End) {
		changes = append(changes, FieldChange{
			Field: FieldTime,
			Old:   formatSpan(oldEvent.Start, oldEvent.End),
			New:   formatSpan(newEvent.Start, newEvent.End),
		})
	}
	if oldEvent.ColorID != newEvent.ColorID {
		changes = append(changes, FieldChange{
			Field: FieldColor,
			Old:   colorLabel(oldEvent.ColorID),
			New:   colorLabel(newEvent.ColorID),
		})
	}
	return changes
}

// sameBound compares the effective value of two bounds. Timed values are
// compared as instants so an offset change alone is not a move.
func sameBound(a, b *gcalnotifyevent.EventTime) bool {
	av, bv := a.Effective(), b.Effective()
	if av == bv {
		return true
	}
	at, aerr := time.Parse(time.RFC3339, av)
	bt, berr := time.Parse(time.RFC3339, bv)
	if aerr != nil || berr != nil {
		return false
	}
	return at.Equal(bt)
}

func formatSpan(start, end *gcalnotifyevent.EventTime) string {
	s, e := start.Effective(), end.Effective()
	if s == "" && e == "" {
		return unknownValue
	}
	return fmt.Sprintf("[%s to %s]", coalesce(s, "?"), coalesce(e, "?"))
}

func colorLabel(colorID string) string {
	if colorID == "" {
		return DefaultEventColor.Name
	}
	if c, ok := eventColors[colorID]; ok {
		return c.Name
	}
	return colorID
}

func orEmpty(s string) string {
	return coalesce(s, emptyValue)
}
