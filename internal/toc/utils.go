package toc

import "strings"

// Key returns the roster identity of a screen name.
func Key(screenName string) string {
	return strings.ToLower(screenName)
}

// Normalize strips spaces and lower-cases a screen name for use as a
// command argument.
func Normalize(screenName string) string {
	return strings.ToLower(strings.ReplaceAll(screenName, " ", ""))
}

// Encode escapes a message body for a quoted command argument.
// Backslash, double quote and braces get a backslash; a carriage return is
// preceded by <br>.
func Encode(message string) string {
	var b strings.Builder
	b.Grow(len(message))
	for i := 0; i < len(message); i++ {
		c := message[i]
		switch c {
		case '\r':
			b.WriteString("<br>")
		case '\\', '"', '{', '}':
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}

// quoted returns message encoded and wrapped in double quotes.
func quoted(message string) string {
	return `"` + Encode(message) + `"`
}

func buildList(screenNames []string) string {
	var b strings.Builder
	for _, name := range screenNames {
		b.WriteByte(' ')
		b.WriteString(Normalize(name))
	}
	return b.String()
}
