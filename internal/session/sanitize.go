package session

import (
	"regexp"
	"strings"
)

// controlTags are markup blocks the model sometimes leaks into its text.
var controlTags = []string{
	"thinking",
	"function_calls",
	"invoke",
	"parameter",
	"function_results",
	"system-reminder",
}

var (
	closedBlocks []*regexp.Regexp
	openTags     []*regexp.Regexp
	strayCloses  = regexp.MustCompile(`</(?:` + strings.Join(quoteAll(controlTags), "|") + `)>`)
	// A trailing "<" or "</" followed by a prefix of a tag name may be the
	// start of a control tag still being streamed.
	partialTag = regexp.MustCompile(`</?[a-z_-]*$`)
)

func init() {
	for _, tag := range controlTags {
		q := regexp.QuoteMeta(tag)
		closedBlocks = append(closedBlocks, regexp.MustCompile(`(?s)<`+q+`(?:\s[^>]*)?>.*?</`+q+`>`))
		openTags = append(openTags, regexp.MustCompile(`<`+q+`(?:\s[^>]*)?>`))
	}
}

func quoteAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = regexp.QuoteMeta(s)
	}
	return out
}

// Sanitize strips leaked control markup from assistant text. Complete blocks
// are removed; an opening tag without its closing tag hides everything after
// it, so partial text never shows half a block.
func Sanitize(text string) string {
	for _, re := range closedBlocks {
		text = re.ReplaceAllString(text, "")
	}

	cut := len(text)
	for _, re := range openTags {
		if loc := re.FindStringIndex(text); loc != nil && loc[0] < cut {
			cut = loc[0]
		}
	}
	text = text[:cut]

	if loc := partialTag.FindStringIndex(text); loc != nil && isTagPrefix(text[loc[0]:]) {
		text = text[:loc[0]]
	}

	text = strayCloses.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

func isTagPrefix(fragment string) bool {
	name := strings.TrimPrefix(strings.TrimPrefix(fragment, "<"), "/")
	for _, tag := range controlTags {
		if strings.HasPrefix(tag, name) {
			return true
		}
	}
	return false
}
