package reconcile

import (
	"fmt"
	"strings"

	"ti/protocol"
)

// Target is what a selector points at.
type Target int

const (
	TargetAll          Target = iota // *
	TargetObject                     // <id>[/field]
	TargetMessages                   // mbf/*
	TargetMessageIDs                 // mbf/id
	TargetMessagePage                // mbf/after/<cursor>
	TargetContacts                   // contacts/*
	TargetContactIDs                 // contacts/id
	TargetContactsHash               // contacts/hash
	TargetMessagesHash               // messages/hash
)

// Selector is a parsed SYNC query.
type Selector struct {
	Target Target
	ID     string
	// Field is "" for the serialized object; "*" is normalised to "".
	Field  string
	Cursor string
}

const (
	prefixMBF      = "mbf/"
	prefixAfter    = "mbf/after/"
	prefixContacts = "contacts/"
)

// ParseSelector parses the selector grammar:
//
//	*
//	<id> | <id>/* | <id>/<field>
//	mbf/* | mbf/id | mbf/after/<cursor>
//	contacts/* | contacts/id | contacts/hash | messages/hash
func ParseSelector(s string) (Selector, error) {
	switch s {
	case "":
		return Selector{}, fmt.Errorf("%w: empty selector", protocol.ErrBadRequest)
	case "*":
		return Selector{Target: TargetAll}, nil
	case "mbf/*":
		return Selector{Target: TargetMessages}, nil
	case "mbf/id":
		return Selector{Target: TargetMessageIDs}, nil
	case "contacts/*":
		return Selector{Target: TargetContacts}, nil
	case "contacts/id":
		return Selector{Target: TargetContactIDs}, nil
	case "contacts/hash":
		return Selector{Target: TargetContactsHash}, nil
	case "messages/hash":
		return Selector{Target: TargetMessagesHash}, nil
	}

	if strings.HasPrefix(s, prefixAfter) {
		cursor := strings.TrimPrefix(s, prefixAfter)
		if strings.Contains(cursor, "/") {
			return Selector{}, fmt.Errorf("%w: selector %q", protocol.ErrBadRequest, s)
		}
		return Selector{Target: TargetMessagePage, Cursor: cursor}, nil
	}
	if strings.HasPrefix(s, prefixMBF) || strings.HasPrefix(s, prefixContacts) {
		return Selector{}, fmt.Errorf("%w: selector %q", protocol.ErrBadRequest, s)
	}

	id, field, _ := strings.Cut(s, "/")
	if id == "" || strings.Contains(field, "/") {
		return Selector{}, fmt.Errorf("%w: selector %q", protocol.ErrBadRequest, s)
	}
	if field == "*" {
		field = ""
	}
	return Selector{Target: TargetObject, ID: id, Field: field}, nil
}

// String renders the selector back into its wire form.
func (s Selector) String() string {
	switch s.Target {
	case TargetAll:
		return "*"
	case TargetMessages:
		return "mbf/*"
	case TargetMessageIDs:
		return "mbf/id"
	case TargetMessagePage:
		return prefixAfter + s.Cursor
	case TargetContacts:
		return "contacts/*"
	case TargetContactIDs:
		return "contacts/id"
	case TargetContactsHash:
		return "contacts/hash"
	case TargetMessagesHash:
		return "messages/hash"
	}
	if s.Field == "" {
		return s.ID
	}
	return s.ID + "/" + s.Field
}

// Object builds the selector for id, optionally narrowed to one field.
func Object(id, field string) string {
	return Selector{Target: TargetObject, ID: id, Field: field}.String()
}

// After builds the page selector that continues after message cursor.
func After(cursor string) string {
	return Selector{Target: TargetMessagePage, Cursor: cursor}.String()
}
