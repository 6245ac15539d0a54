// Package wikitext turns raw MediaWiki markup into readable plain text for
// result previews. The cleanup is lossy and only meant for display; search
// always runs against the raw text.
package wikitext

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	commentRe  = regexp.MustCompile(`(?s)<!--.*?-->`)
	refRe      = regexp.MustCompile(`(?s)<ref[^>]*/>|<ref[^>]*>.*?</ref>`)
	templateRe = regexp.MustCompile(`(?s)\{\{[^{}]*\}\}`)
	fileRe     = regexp.MustCompile(`(?i)\[\[(?:File|Image):[^\]]*\]\]`)
	categoryRe = regexp.MustCompile(`(?i)\[\[Category:[^\]]*\]\]`)
	linkRe     = regexp.MustCompile(`\[\[(?:[^|\]]*\|)?([^\]]*)\]\]`)
	extLinkRe  = regexp.MustCompile(`\[https?://[^\s\]]*(?:\s([^\]]*))?\]`)
	tagRe      = regexp.MustCompile(`<[^>]+>`)
	styleRe    = regexp.MustCompile(`'{2,}`)
	headerRe   = regexp.MustCompile(`(?m)^={2,}[ \t]*([^=\n]+?)[ \t]*={2,}[ \t]*$`)
	spaceRe    = regexp.MustCompile(`[ \t]{2,}`)
	newlineRe  = regexp.MustCompile(`\n{3,}`)
)

// maxTemplateDepth bounds how many rounds of innermost-template removal
// Clean performs. Deeper nesting is left in place.
const maxTemplateDepth = 10

// Clean strips templates, references, file and category links, tags and
// emphasis markup. Internal links keep their label and external links keep
// their caption.
func Clean(s string) string {
	if s == "" {
		return ""
	}
	s = commentRe.ReplaceAllString(s, "")
	s = refRe.ReplaceAllString(s, "")
	for range maxTemplateDepth {
		next := templateRe.ReplaceAllString(s, "")
		if next == s {
			break
		}
		s = next
	}
	s = fileRe.ReplaceAllString(s, "")
	s = categoryRe.ReplaceAllString(s, "")
	s = linkRe.ReplaceAllString(s, "$1")
	s = extLinkRe.ReplaceAllString(s, "$1")
	s = tagRe.ReplaceAllString(s, "")
	s = styleRe.ReplaceAllString(s, "")
	s = headerRe.ReplaceAllString(s, "$1")
	s = spaceRe.ReplaceAllString(s, " ")
	s = newlineRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// Preview returns at most n runes of s, cut at the last word boundary and
// marked with an ellipsis when truncated. n <= 0 returns s unchanged.
func Preview(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	cut := 0
	for i := range s {
		if n == 0 {
			cut = i
			break
		}
		n--
	}
	head := s[:cut]
	if sp := strings.LastIndexAny(head, " \n\t"); sp > len(head)/2 {
		head = head[:sp]
	}
	return strings.TrimRight(head, " \n\t") + "..."
}
