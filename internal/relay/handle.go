package relay

import "regexp"

// handleRe matches a self-disclosed handle such as "@nick123" or "@Дима".
// Word characters are Unicode letters, marks, digits and underscore.
var handleRe = regexp.MustCompile(`@[\p{L}\p{M}\p{N}_]+`)

// ExtractHandle returns the first "@word" in text, including the leading @,
// or nil if text carries none.
func ExtractHandle(text string) *string {
	m := handleRe.FindString(text)
	if m == "" {
		return nil
	}
	return &m
}
