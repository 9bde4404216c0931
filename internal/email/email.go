package email

import (
	"regexp"
	"strings"
)

const addressPattern = `[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`

var (
	findPattern  = regexp.MustCompile(`\b` + addressPattern + `\b`)
	validPattern = regexp.MustCompile(`^` + addressPattern + `$`)
)

// Extractor pulls a contact address out of free chat text.
type Extractor interface {
	// Extract returns the first valid address in text.
	Extract(text string) (string, bool)
}

// RegexExtractor matches addresses with a conservative pattern.
type RegexExtractor struct{}

// Extract implements Extractor.
func (RegexExtractor) Extract(text string) (string, bool) {
	return Extract(text)
}

// Extract returns the first address found in text.
func Extract(text string) (string, bool) {
	match := findPattern.FindString(text)
	if match == "" {
		return "", false
	}
	return match, true
}

// Valid reports whether addr is exactly one syntactically valid address.
func Valid(addr string) bool {
	addr = strings.TrimSpace(addr)
	if len(addr) > 254 {
		return false
	}
	return validPattern.MatchString(addr)
}
