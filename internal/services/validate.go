package services

import (
	"regexp"
	"strings"
)

var usernameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{4,16}$`)

// Accepts the common RFC 5322 shapes: dotted local parts, quoted local
// parts, dotted domains, and bracketed IPv4 literals.
var emailRe = regexp.MustCompile(`^(([^<>()[\]\\.,;:\s@"]+(\.[^<>()[\]\\.,;:\s@"]+)*)|(".+"))@((\[[0-9]{1,3}\.[0-9]{1,3}\.[0-9]{1,3}\.[0-9]{1,3}\])|(([a-zA-Z\-0-9]+\.)+[a-zA-Z]{2,}))$`)

// validUsername reports whether s is 4-16 characters of [A-Za-z0-9_-].
func validUsername(s string) bool {
	return usernameRe.MatchString(s)
}

// validEmail reports whether s has a plausible email shape. Matching is
// case-insensitive.
func validEmail(s string) bool {
	return emailRe.MatchString(strings.ToLower(s))
}
