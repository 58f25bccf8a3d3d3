// Package text holds the small text helpers used to pick apart TOC payloads.
package text

import (
	"errors"
	"strings"
)

// ErrNoMoreTokens is returned when a read is attempted on an exhausted
// Tokenizer.
var ErrNoMoreTokens = errors.New("text: no more tokens")

// Tokenizer scans a string field by field. Fields are separated by any of
// the delimiter characters. Reads advance a single cursor, so field reads,
// character reads and ReadToEnd can be mixed freely.
type Tokenizer struct {
	s          string
	delimiters string
	index      int
	hasMore    bool
}

// NewTokenizer returns a Tokenizer over s splitting on any of delimiters.
func NewTokenizer(s, delimiters string) *Tokenizer {
	return &Tokenizer{
		s:          s,
		delimiters: delimiters,
		hasMore:    s != "",
	}
}

// HasMore reports whether another read can succeed.
func (t *Tokenizer) HasMore() bool {
	return t.hasMore
}

// ReadToken returns the text up to the next delimiter and moves past it.
// The last field is whatever follows the final delimiter, even if empty.
func (t *Tokenizer) ReadToken() (string, error) {
	if !t.hasMore {
		return "", ErrNoMoreTokens
	}

	next := strings.IndexAny(t.s[t.index:], t.delimiters)
	if next < 0 {
		token := t.s[t.index:]
		t.index = len(t.s)
		t.hasMore = false
		return token, nil
	}

	token := t.s[t.index : t.index+next]
	t.index += next + 1
	return token, nil
}

// ReadToEnd returns everything that has not been consumed, delimiters
// included.
func (t *Tokenizer) ReadToEnd() (string, error) {
	if !t.hasMore {
		return "", ErrNoMoreTokens
	}
	t.hasMore = false
	rest := t.s[t.index:]
	t.index = len(t.s)
	return rest, nil
}

// ReadChar returns the next raw byte, delimiter or not.
func (t *Tokenizer) ReadChar() (byte, error) {
	if !t.hasMore || t.index >= len(t.s) {
		t.hasMore = false
		return 0, ErrNoMoreTokens
	}
	c := t.s[t.index]
	t.index++
	if t.index >= len(t.s) {
		t.hasMore = false
	}
	return c, nil
}

// CountTokens returns how many ReadToken calls would succeed from here.
func (t *Tokenizer) CountTokens() int {
	if !t.hasMore {
		return 0
	}
	count := 1
	for i := t.index; i < len(t.s); i++ {
		if strings.IndexByte(t.delimiters, t.s[i]) >= 0 {
			count++
		}
	}
	return count
}
