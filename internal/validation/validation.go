// Package validation provides centralized input validation for raw
// events arriving from the instrumentation layer.
package validation

import (
	"fmt"
	"unicode"
)

// =============================================================================
// Identifier Validation
// =============================================================================

// IdentRules defines the validation rules for code-location
// identifiers.
type IdentRules struct {
	MaxLength    int
	AllowDots    bool
	AllowSpecial bool // trailing ? and ! as in predicate/bang functions
}

// ModuleRules returns the rules for module names, which may be dotted.
func ModuleRules() IdentRules {
	return IdentRules{
		MaxLength: 255,
		AllowDots: true,
	}
}

// FunctionRules returns the rules for function names.
func FunctionRules() IdentRules {
	return IdentRules{
		MaxLength:    255,
		AllowSpecial: true,
	}
}

// ValidateIdent validates a code-location identifier according to the
// given rules. Empty identifiers are allowed; which fields are required
// depends on the event type and is checked by the caller.
func ValidateIdent(name string, rules IdentRules) error {
	if name == "" {
		return nil
	}
	if len(name) > rules.MaxLength {
		return fmt.Errorf("identifier too long: maximum %d characters allowed", rules.MaxLength)
	}

	for i, r := range name {
		if r < 32 || r == 127 {
			return fmt.Errorf("identifier cannot contain control characters at position %d", i)
		}
		if !isAllowedIdentChar(r, rules) {
			return fmt.Errorf("invalid character '%c' at position %d", r, i)
		}
	}

	return nil
}

func isAllowedIdentChar(r rune, rules IdentRules) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case '?', '!':
		return rules.AllowSpecial
	}
	return false
}

// =============================================================================
// Correlation ID Validation
// =============================================================================

// maxCorrelationIDLength bounds caller-supplied correlation tokens.
const maxCorrelationIDLength = 128

// ValidateCorrelationID validates a caller-supplied correlation token.
// Empty means one will be generated downstream and is always valid.
func ValidateCorrelationID(id string) error {
	if id == "" {
		return nil
	}
	if len(id) > maxCorrelationIDLength {
		return fmt.Errorf("correlation id too long: maximum %d characters", maxCorrelationIDLength)
	}
	for i, r := range id {
		if r < 32 || r == 127 {
			return fmt.Errorf("correlation id cannot contain control characters at position %d", i)
		}
	}
	return nil
}

// =============================================================================
// Message Tag Validation
// =============================================================================

// ValidateMessageTag validates the logical tag that matches a send to
// its receive. Message events require a tag; other events must not
// carry one at all, but that is the caller's check.
func ValidateMessageTag(tag string) error {
	if tag == "" {
		return fmt.Errorf("message tag cannot be empty")
	}
	if len(tag) > 255 {
		return fmt.Errorf("message tag too long: maximum 255 characters")
	}
	for i, r := range tag {
		if r < 32 || r == 127 {
			return fmt.Errorf("message tag cannot contain control characters at position %d", i)
		}
	}
	return nil
}
