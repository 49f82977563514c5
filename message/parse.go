package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode"

	"github.com/google/uuid"
)

// MaxIDLength bounds the size of a call identifier.
const MaxIDLength = 128

// ValidationError reports a malformed Call. ID holds the best-effort id of the
// offending message so the answer can still be correlated by the caller.
type ValidationError struct {
	ID     string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid message: %s %s", e.Field, e.Reason)
}

// rawCall mirrors Call with every field left undecoded so each one can be
// validated on its own.
type rawCall struct {
	ID      json.RawMessage `json:"id"`
	Pattern json.RawMessage `json:"pattern"`
	Data    json.RawMessage `json:"data"`
	IsEvent json.RawMessage `json:"isEvent"`
}

// Parse decodes and validates a JSON encoded Call.
//
// Validation order: the raw frame must be a JSON object, id must be a well-formed
// identifier, pattern must be a string, isEvent must be a boolean or null.
func Parse(raw []byte) (*Call, error) {
	var rc rawCall
	if err := json.Unmarshal(raw, &rc); err != nil {
		return nil, &ValidationError{ID: UnknownID, Field: "message", Reason: "is not a JSON object"}
	}

	id, idErr := parseID(rc.ID)
	if idErr != nil {
		return nil, idErr
	}

	if !Present(rc.Pattern) {
		return nil, &ValidationError{ID: id, Field: "pattern", Reason: "is missing"}
	}
	var pattern string
	if err := json.Unmarshal(rc.Pattern, &pattern); err != nil {
		return nil, &ValidationError{ID: id, Field: "pattern", Reason: "must be a string"}
	}

	call := &Call{ID: id, Pattern: pattern}
	if Present(rc.Data) {
		call.Data = rc.Data
	}
	if Present(rc.IsEvent) {
		var isEvent bool
		if err := json.Unmarshal(rc.IsEvent, &isEvent); err != nil {
			return nil, &ValidationError{ID: id, Field: "isEvent", Reason: "must be a boolean or null"}
		}
		call.IsEvent = &isEvent
	}
	return call, nil
}

// Validate checks an already decoded Call against the same rules as Parse.
func (c *Call) Validate() error {
	if err := ValidateID(c.ID); err != nil {
		return &ValidationError{ID: fallbackID(c.ID), Field: "id", Reason: err.Error()}
	}
	if c.Pattern == "" {
		return &ValidationError{ID: c.ID, Field: "pattern", Reason: "is missing"}
	}
	return nil
}

// ValidateID checks that id is a non-empty printable string of bounded length.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("is missing")
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("is longer than %d bytes", MaxIDLength)
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return fmt.Errorf("contains control characters")
		}
	}
	return nil
}

// ValidateStrictID additionally requires id to be a UUID.
func ValidateStrictID(id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("is not a UUID")
	}
	return nil
}

// ExtractID returns the best-effort id of a raw JSON message, or UnknownID.
func ExtractID(raw []byte) string {
	var rc rawCall
	if err := json.Unmarshal(raw, &rc); err != nil {
		return UnknownID
	}
	var id string
	if err := json.Unmarshal(rc.ID, &id); err != nil {
		return UnknownID
	}
	return fallbackID(id)
}

func parseID(raw json.RawMessage) (string, error) {
	if !Present(raw) {
		return "", &ValidationError{ID: UnknownID, Field: "id", Reason: "is missing"}
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		// Numbers are echoed back verbatim so a caller using numeric ids still gets an answer.
		return "", &ValidationError{ID: fallbackID(string(bytes.Trim(raw, `"`))), Field: "id", Reason: "must be a string"}
	}
	if err := ValidateID(id); err != nil {
		return "", &ValidationError{ID: fallbackID(id), Field: "id", Reason: err.Error()}
	}
	return id, nil
}

func fallbackID(id string) string {
	if ValidateID(id) != nil {
		return UnknownID
	}
	return id
}
