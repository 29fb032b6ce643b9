// Package gcalnotifyevent provides types for gcalnotify notification payloads.
// These types can be used by consumers of the EventBridge or file transports.
//
//	func handler(ctx context.Context, event gcalnotifyevent.Envelope) error {
//	    fmt.Println(event.DetailType)
//	    fmt.Println(event.Detail.Message.Title)
//	}
package gcalnotifyevent

import "time"

// Kind of a classified calendar change.
const (
	KindCreated = "created"
	KindUpdated = "updated"
	KindDeleted = "deleted"
)

// Envelope represents the full EventBridge event emitted by gcalnotify.
type Envelope struct {
	Version    string    `json:"version"`
	ID         string    `json:"id"`
	DetailType string    `json:"detail-type"`
	Source     string    `json:"source"`
	AccountID  string    `json:"account"`
	Time       time.Time `json:"time"`
	Region     string    `json:"region"`
	Resources  []string  `json:"resources"`
	Detail     Detail    `json:"detail"`
}

// Detail is the notification payload for one classified change.
type Detail struct {
	Kind         string   `json:"kind"`
	CalendarID   string   `json:"calendarId"`
	CalendarName string   `json:"calendarName,omitempty"`
	Event        *Event   `json:"event"`
	Changes      []string `json:"changes,omitempty"`
	Message      *Message `json:"message"`
}

// Event is the tracked representation of a calendar event.
// It is also the snapshot payload kept between syncs.
type Event struct {
	ID          string     `json:"id"`
	Status      string     `json:"status,omitempty"`
	Summary     string     `json:"summary,omitempty"`
	Description string     `json:"description,omitempty"`
	Location    string     `json:"location,omitempty"`
	ColorID     string     `json:"colorId,omitempty"`
	HTMLLink    string     `json:"htmlLink,omitempty"`
	Start       *EventTime `json:"start,omitempty"`
	End         *EventTime `json:"end,omitempty"`
	Updated     string     `json:"updated,omitempty"`
}

// EventTime is either a timed (DateTime) or an all-day (Date) bound.
type EventTime struct {
	Date     string `json:"date,omitempty"`
	DateTime string `json:"dateTime,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

// Effective returns DateTime when set, otherwise Date.
func (t *EventTime) Effective() string {
	if t == nil {
		return ""
	}
	if t.DateTime != "" {
		return t.DateTime
	}
	return t.Date
}

// Message is the rendered, transport independent chat message.
type Message struct {
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	Color     string    `json:"color,omitempty"`
	ColorName string    `json:"colorName,omitempty"`
	Fields    []*Field  `json:"fields,omitempty"`
	Link      string    `json:"link,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Field is a labeled message field.
type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}
