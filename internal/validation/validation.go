package validation

import (
	"errors"
	"strings"
	"unicode"
)

// ErrNameEmpty is returned when a collection name is empty or whitespace-only after trim.
var ErrNameEmpty = errors.New("collection name is required")

// ErrNameTooLong is returned when a collection name exceeds the maximum length.
var ErrNameTooLong = errors.New("collection name too long")

// ErrNameInvalidChars is returned when a collection name contains disallowed characters.
var ErrNameInvalidChars = errors.New("collection name contains invalid characters")

// ErrFilterTooDeep is returned when a filter nests beyond the configured depth.
var ErrFilterTooDeep = errors.New("filter nested too deeply")

// ErrFilterTooLarge is returned when a filter carries more operands than allowed.
var ErrFilterTooLarge = errors.New("filter too large")

// ValidateCollectionName trims the input, enforces the length bound (maxLen
// in runes), and restricts to letters (Unicode), digits, underscore, hyphen.
// Returns the trimmed string or an error suitable for 400 INVALID_COLLECTION
// responses.
func ValidateCollectionName(input string, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	n := len(r)
	if n == 0 {
		return "", ErrNameEmpty
	}
	if maxLen > 0 && n > maxLen {
		return "", ErrNameTooLong
	}
	for _, c := range r {
		if !isAllowedNameRune(c) {
			return "", ErrNameInvalidChars
		}
	}
	return s, nil
}

// isAllowedNameRune returns true for letters (Unicode), digits, underscore, hyphen.
func isAllowedNameRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case '_', '-':
		return true
	}
	return false
}

// ValidateFilter bounds the work a single filter can demand: maxDepth limits
// qualifier nesting, maxOperands limits the total number of leaf values
// (array elements count individually). Operator names are checked later at
// compile time; this pass only bounds size.
func ValidateFilter(filter map[string]any, maxDepth, maxOperands int) error {
	operands := 0
	for _, qual := range filter {
		n, err := measure(qual, 1, maxDepth)
		if err != nil {
			return err
		}
		operands += n
		if maxOperands > 0 && operands > maxOperands {
			return ErrFilterTooLarge
		}
	}
	return nil
}

// measure returns the leaf-operand count of a qualifier, failing when depth
// exceeds maxDepth.
func measure(v any, depth, maxDepth int) (int, error) {
	if maxDepth > 0 && depth > maxDepth {
		return 0, ErrFilterTooDeep
	}
	switch q := v.(type) {
	case map[string]any:
		total := 0
		for _, sub := range q {
			n, err := measure(sub, depth+1, maxDepth)
			if err != nil {
				return 0, err
			}
			total += n
		}
		return total, nil
	case []any:
		total := 0
		for _, sub := range q {
			n, err := measure(sub, depth+1, maxDepth)
			if err != nil {
				return 0, err
			}
			total += n
		}
		return total, nil
	default:
		return 1, nil
	}
}
