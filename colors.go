package gcalnotify

import (
	"strconv"
	"strings"
)

// EventColor is a named Google Calendar event color.
type EventColor struct {
	Name string
	Hex  string
}

// Int returns the color as an integer, as expected by chat embeds.
func (c EventColor) Int() int {
	v, err := strconv.ParseInt(strings.TrimPrefix(c.Hex, "#"), 16, 32)
	if err != nil {
		return 0
	}
	return int(v)
}

// DefaultEventColor is used when an event has no color or an unknown color id.
var DefaultEventColor = EventColor{Name: "Default", Hex: "#039be5"}

// eventColors are the standard Google Calendar event color ids.
var eventColors = map[string]EventColor{
	"1":  {Name: "Lavender", Hex: "#7986cb"},
	"2":  {Name: "Sage", Hex: "#33b679"},
	"3":  {Name: "Grape", Hex: "#8e24aa"},
	"4":  {Name: "Flamingo", Hex: "#e67c73"},
	"5":  {Name: "Banana", Hex: "#f6bf26"},
	"6":  {Name: "Tangerine", Hex: "#f4511e"},
	"7":  {Name: "Peacock", Hex: "#039be5"},
	"8":  {Name: "Graphite", Hex: "#616161"},
	"9":  {Name: "Blueberry", Hex: "#3f51b5"},
	"10": {Name: "Basil", Hex: "#0b8043"},
	"11": {Name: "Tomato", Hex: "#d50000"},
}

// LookupEventColor maps a color id to its color, falling back to DefaultEventColor.
func LookupEventColor(colorID string) EventColor {
	if c, ok := eventColors[colorID]; ok {
		return c
	}
	return DefaultEventColor
}
