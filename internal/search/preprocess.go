package search

import (
	"regexp"
	"strings"
)

var (
	fenceRE   = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\n?(.*?)```")
	mentionRE = regexp.MustCompile(`<(?:@[!&]?|#)\d+>`)
	emojiRE   = regexp.MustCompile(`<a?:(\w+):\d+>`)
	urlRE     = regexp.MustCompile(`https?://\S+`)
	markRE    = regexp.MustCompile("[*_~`|>]+")
)

// PrepareMessage turns message markup into plain searchable text: code
// fences keep their body, custom emoji keep their name, mentions and links
// are dropped, formatting characters are removed and whitespace is
// collapsed.
func PrepareMessage(content string) string {
	s := fenceRE.ReplaceAllString(content, " $1 ")
	s = emojiRE.ReplaceAllString(s, " $1 ")
	s = mentionRE.ReplaceAllString(s, " ")
	s = urlRE.ReplaceAllString(s, " ")
	s = markRE.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}
