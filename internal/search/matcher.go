package search

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/cases"

	"wikiseek/internal/pagexml"
)

var ErrInvalidPattern = errors.New("invalid pattern")

// Query describes one search. It is immutable for the duration of a search.
type Query struct {
	Pattern        string
	Regex          bool // Pattern is an RE2 expression rather than a literal
	CaseSensitive  bool
	IncludeContent bool // test page text as well as the title
}

func (q Query) String() string {
	var flags []string
	if q.Regex {
		flags = append(flags, "regex")
	}
	if q.CaseSensitive {
		flags = append(flags, "case-sensitive")
	}
	if q.IncludeContent {
		flags = append(flags, "content")
	}
	if len(flags) == 0 {
		return fmt.Sprintf("%q", q.Pattern)
	}
	return fmt.Sprintf("%q [%s]", q.Pattern, strings.Join(flags, ","))
}

// Match is a page that satisfied a query.
type Match struct {
	Record    pagexml.Record
	InTitle   bool
	InContent bool
	// Occurrences counts non-overlapping hits across the fields tested.
	Occurrences int
}

// Matcher applies a compiled query to records. It is safe for concurrent
// use.
type Matcher struct {
	q      Query
	re     *regexp.Regexp // regex queries
	needle string         // literal queries, folded unless case-sensitive
}

// NewMatcher compiles q. A regex that does not compile, or an empty
// pattern, is ErrInvalidPattern.
func NewMatcher(q Query) (*Matcher, error) {
	if q.Pattern == "" {
		return nil, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	m := &Matcher{q: q}
	if q.Regex {
		expr := q.Pattern
		if !q.CaseSensitive {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidPattern, q.Pattern, err)
		}
		m.re = re
		return m, nil
	}
	m.needle = m.normalize(q.Pattern)
	return m, nil
}

// Query returns the query the matcher was compiled from.
func (m *Matcher) Query() Query {
	return m.q
}

// Regexp returns the compiled expression of a regex query, or nil.
func (m *Matcher) Regexp() *regexp.Regexp {
	return m.re
}

func (m *Matcher) normalize(s string) string {
	if m.q.CaseSensitive {
		return s
	}
	return cases.Fold().String(s)
}

// Test reports whether s contains the pattern.
func (m *Matcher) Test(s string) bool {
	if m.re != nil {
		return m.re.MatchString(s)
	}
	return strings.Contains(m.normalize(s), m.needle)
}

// Count returns the number of non-overlapping occurrences of the pattern
// in s.
func (m *Matcher) Count(s string) int {
	if m.re != nil {
		return len(m.re.FindAllStringIndex(s, -1))
	}
	return strings.Count(m.normalize(s), m.needle)
}

// Match tests rec's title, and its text when the query includes content.
func (m *Matcher) Match(rec pagexml.Record) (Match, bool) {
	mt := Match{Record: rec}
	if n := m.Count(rec.Title); n > 0 {
		mt.InTitle = true
		mt.Occurrences += n
	}
	if m.q.IncludeContent {
		if n := m.Count(rec.Text); n > 0 {
			mt.InContent = true
			mt.Occurrences += n
		}
	}
	return mt, mt.InTitle || mt.InContent
}
