package lookup

import (
	"fmt"
	"strings"
)

// Outcome classifies a lookup.
type Outcome int

const (
	// NotFound covers non-success responses and documents without the term.
	NotFound Outcome = iota
	// Found means the term was resolved.
	Found
	// Failed means the lookup could not be completed (token, transport or
	// decoding failure).
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Found:
		return "found"
	case NotFound:
		return "not_found"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the tagged outcome of Service.Lookup.
type Result struct {
	Outcome  Outcome
	System   string
	Code     string
	Term     string
	Status   int
	Document Document
	Err      error
	Cached   bool
}

// Extract walks path through nested JSON objects and returns the string at
// its end. Missing keys, non-object intermediates and empty strings yield
// false.
func Extract(doc Document, path []string) (string, bool) {
	if doc == nil || len(path) == 0 {
		return "", false
	}
	var cur interface{} = map[string]interface{}(doc)
	for _, key := range path {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return "", false
		}
		cur, ok = obj[key]
		if !ok {
			return "", false
		}
	}
	s, ok := cur.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}
