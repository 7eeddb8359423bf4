package terminal

import "regexp"

var ansiRegexp = regexp.MustCompile(`\x1B\[[0-9;]*[a-zA-Z]`)

// StripANSI removes ANSI escape sequences from content. The raw buffer keeps
// its escapes; stripping happens where content is analyzed as text, so color
// codes don't defeat the prompt heuristics.
func StripANSI(content string) string {
	return ansiRegexp.ReplaceAllString(content, "")
}
