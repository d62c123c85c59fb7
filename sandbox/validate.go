package sandbox

import (
	"fmt"
	"unicode/utf8"
)

// DefaultMaxCodeLength is the maximum accepted code length in characters.
const DefaultMaxCodeLength = 5000

// Validator checks request shape before anything is provisioned.
type Validator struct {
	MaxLength int
}

// Validate returns the code unchanged when it is acceptable. Length is
// counted in characters, not bytes. Whitespace-only code is accepted.
func (v Validator) Validate(code string) (string, error) {
	if code == "" {
		return "", &ValidationError{Reason: "code is empty"}
	}

	limit := v.MaxLength
	if limit <= 0 {
		limit = DefaultMaxCodeLength
	}

	if n := utf8.RuneCountInString(code); n > limit {
		return "", &ValidationError{Reason: fmt.Sprintf("code is %d characters, limit is %d", n, limit)}
	}

	return code, nil
}
