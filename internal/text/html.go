package text

import "regexp"

var htmlTag = regexp.MustCompile(`<(.|\n)*?>`)

// StripHTML removes every <...> tag from message, leaving the text between
// tags untouched. Entities are not decoded.
func StripHTML(message string) string {
	return htmlTag.ReplaceAllString(message, "")
}
