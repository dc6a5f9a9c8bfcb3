package events

import (
	"slices"
	"strings"
)

// Selector picks the events a hook fires for. An empty Events list matches
// every type; an empty Links list matches every link, as do events that
// carry no link.
type Selector struct {
	Events []string // exact types, "binding.*" or "*"
	Links  []string
}

// Matches reports whether evt passes both the type and link filters.
func (s Selector) Matches(evt Event) bool {
	return matchesEvent(s.Events, string(evt.Type)) && matchesLink(s.Links, evt)
}

func matchesEvent(patterns []string, eventType string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		switch {
		case p == "*", p == eventType:
			return true
		case strings.HasSuffix(p, ".*"):
			if strings.HasPrefix(eventType, strings.TrimSuffix(p, "*")) {
				return true
			}
		}
	}
	return false
}

func matchesLink(links []string, evt Event) bool {
	name := evt.LinkName()
	if len(links) == 0 || name == "" {
		return true
	}
	return slices.Contains(links, name)
}
