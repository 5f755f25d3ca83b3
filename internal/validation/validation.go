package validation

import (
	"errors"
	"regexp"
	"strings"
	"time"
	"unicode"
)

// DateLayout is the only accepted request date format.
const DateLayout = "2006-01-02"

// ErrDateEmpty is returned when the date is empty or whitespace-only after trim.
var ErrDateEmpty = errors.New("date is required")

// ErrDateFormat is returned when the date does not look like YYYY-MM-DD.
var ErrDateFormat = errors.New("date must be YYYY-MM-DD")

// ErrDateInvalid is returned when the date has the right shape but is not a calendar day (e.g. 2025-13-40).
var ErrDateInvalid = errors.New("date is not a valid calendar day")

// ErrSourceEmpty is returned when a source identifier is empty after trim.
var ErrSourceEmpty = errors.New("source is required")

// ErrSourceTooLong is returned when a source identifier exceeds the maximum length.
var ErrSourceTooLong = errors.New("source too long")

// ErrSourceInvalidChars is returned when a source identifier contains disallowed characters.
var ErrSourceInvalidChars = errors.New("source contains invalid characters")

var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// ValidateDate trims the input and checks it is a real YYYY-MM-DD day.
// Returns the trimmed string and the parsed day (UTC midnight).
func ValidateDate(input string) (string, time.Time, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", time.Time{}, ErrDateEmpty
	}
	if !datePattern.MatchString(s) {
		return "", time.Time{}, ErrDateFormat
	}
	day, err := time.Parse(DateLayout, s)
	if err != nil {
		return "", time.Time{}, ErrDateInvalid
	}
	return s, day, nil
}

// ValidateSource trims the input, enforces maxLen (in runes, 0 = unlimited) and
// restricts to letters, digits, underscore, hyphen and dot.
func ValidateSource(input string, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	if len(r) == 0 {
		return "", ErrSourceEmpty
	}
	if maxLen > 0 && len(r) > maxLen {
		return "", ErrSourceTooLong
	}
	for _, c := range r {
		if !isAllowedSourceRune(c) {
			return "", ErrSourceInvalidChars
		}
	}
	return s, nil
}

func isAllowedSourceRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case '_', '-', '.':
		return true
	}
	return false
}
