package scoutsync

import (
	"encoding/json"
	"fmt"
)

// Validator checks an upstream body before it may be cached or returned. A
// nil result means the body is usable; otherwise it is a *SchemaViolation.
type Validator func(body []byte) error

// ValidateMatch is the gate every submitted match passes before it is encoded
// and persisted.
func ValidateMatch(m Match) error {
	v := &SchemaViolation{Subject: "match"}
	if m.EventKey == "" {
		v.Problems = append(v.Problems, "eventKey is required")
	}
	if m.Team <= 0 {
		v.Problems = append(v.Problems, fmt.Sprintf("team must be positive, got %d", m.Team))
	}
	if !m.CompLevel.Valid() {
		v.Problems = append(v.Problems, fmt.Sprintf("compLevel %q is not one of pr, qm, qf, sf, f", m.CompLevel))
	}
	if m.Match <= 0 {
		v.Problems = append(v.Problems, fmt.Sprintf("match must be positive, got %d", m.Match))
	}
	if m.Alliance != nil && *m.Alliance != "red" && *m.Alliance != "blue" {
		v.Problems = append(v.Problems, fmt.Sprintf("alliance %q is not red, blue or null", *m.Alliance))
	}
	if m.Group < 0 {
		v.Problems = append(v.Problems, "group must not be negative")
	}
	for i, c := range m.Checks {
		if c == "" {
			v.Problems = append(v.Problems, fmt.Sprintf("checks[%d] is empty", i))
		}
	}
	if len(v.Problems) > 0 {
		return v
	}
	return nil
}

func ValidateEvent(body []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil || doc == nil {
		return &SchemaViolation{Subject: "event", Problems: []string{"not a json object"}}
	}
	v := &SchemaViolation{Subject: "event"}
	if p := requireObjectWithKey(doc["event"], "event"); p != "" {
		v.Problems = append(v.Problems, p)
	}
	if p := requireArrayOfObjects(doc["matches"], "matches", "key"); p != "" {
		v.Problems = append(v.Problems, p)
	}
	if p := requireArrayOfObjects(doc["teams"], "teams", "key"); p != "" {
		v.Problems = append(v.Problems, p)
	}
	if len(v.Problems) > 0 {
		return v
	}
	return nil
}

func ValidateEvents(body []byte) error {
	if p := requireArrayOfObjects(body, "events", "key"); p != "" {
		return &SchemaViolation{Subject: "events", Problems: []string{p}}
	}
	return nil
}

func ValidateScoutGroups(body []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil || doc == nil {
		return &SchemaViolation{Subject: "scout-groups", Problems: []string{"not a json object"}}
	}
	v := &SchemaViolation{Subject: "scout-groups"}
	for _, field := range []string{"groups", "matchAssignments"} {
		var items []json.RawMessage
		if err := json.Unmarshal(doc[field], &items); err != nil || items == nil {
			v.Problems = append(v.Problems, field+" must be an array")
		}
	}
	if len(v.Problems) > 0 {
		return v
	}
	return nil
}

func ValidateAccounts(body []byte) error {
	if p := requireArrayOfObjects(body, "accounts", ""); p != "" {
		return &SchemaViolation{Subject: "accounts", Problems: []string{p}}
	}
	return nil
}

func ValidateObject(body []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil || doc == nil {
		return &SchemaViolation{Subject: "object", Problems: []string{"not a json object"}}
	}
	return nil
}

func requireObjectWithKey(raw json.RawMessage, field string) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return field + " must be an object"
	}
	var key string
	if err := json.Unmarshal(obj["key"], &key); err != nil || key == "" {
		return field + ".key must be a non-empty string"
	}
	return ""
}

// requireArrayOfObjects returns a problem description, or "" when raw is a
// json array whose elements are objects carrying a non-empty string at key.
// An empty key only checks the element kind.
func requireArrayOfObjects(raw json.RawMessage, field, key string) string {
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil || items == nil {
		return field + " must be an array of objects"
	}
	for i, it := range items {
		if it == nil {
			return fmt.Sprintf("%s[%d] must be an object", field, i)
		}
		if key == "" {
			continue
		}
		var s string
		if err := json.Unmarshal(it[key], &s); err != nil || s == "" {
			return fmt.Sprintf("%s[%d].%s must be a non-empty string", field, i, key)
		}
	}
	return ""
}
