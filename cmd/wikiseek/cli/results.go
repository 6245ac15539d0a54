package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"wikiseek/internal/search"
	"wikiseek/internal/wikitext"
)

var (
	heavyRule = strings.Repeat("=", 60)
	lightRule = strings.Repeat("-", 60)
)

// result is the rendered form of one match, shared by the text and JSON
// outputs.
type result struct {
	N            int    `json:"n"`
	Title        string `json:"title"`
	ID           int64  `json:"id"`
	Namespace    int    `json:"namespace"`
	Redirect     string `json:"redirect,omitempty"`
	Timestamp    string `json:"timestamp,omitempty"`
	Occurrences  int    `json:"occurrences"`
	FoundInTitle bool   `json:"found_in_title"`
	Text         string `json:"text"`
	Truncated    bool   `json:"truncated,omitempty"`
}

// newResult cleans the match's wikitext and cuts it to preview runes
// unless preview is zero.
func newResult(n int, m search.Match, preview int) result {
	rec := m.Record
	clean := wikitext.Clean(rec.Text)
	text := wikitext.Preview(clean, preview)
	r := result{
		N:            n,
		Title:        rec.Title,
		ID:           rec.ID,
		Namespace:    rec.Namespace,
		Redirect:     rec.Redirect,
		Occurrences:  m.Occurrences,
		FoundInTitle: m.InTitle,
		Text:         text,
		Truncated:    text != clean,
	}
	if !rec.Timestamp.IsZero() {
		r.Timestamp = rec.Timestamp.UTC().Format(time.RFC3339)
	}
	return r
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

// writeBlock renders one result in the block layout used on stdout and
// in output files.
func writeBlock(w io.Writer, r result, label string) error {
	timestamp := r.Timestamp
	if timestamp == "" {
		timestamp = "unknown"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s\nResult #%d\n%s\n", heavyRule, r.N, heavyRule)
	fmt.Fprintf(&b, "Title: %s\n", r.Title)
	fmt.Fprintf(&b, "Page ID: %d\n", r.ID)
	if r.Redirect != "" {
		fmt.Fprintf(&b, "Redirect: %s\n", r.Redirect)
	}
	fmt.Fprintf(&b, "Timestamp: %s\n", timestamp)
	fmt.Fprintf(&b, "Occurrences: %d\n", r.Occurrences)
	fmt.Fprintf(&b, "Found in title: %s\n", yesNo(r.FoundInTitle))
	fmt.Fprintf(&b, "\n%s\n%s:\n%s\n", lightRule, label, lightRule)
	b.WriteString(r.Text)
	fmt.Fprintf(&b, "\n%s\n", heavyRule)
	_, err := io.WriteString(w, b.String())
	return err
}

// summaryLine is what the summary keeps of each match.
type summaryLine struct {
	Title       string
	Occurrences int
}

// writeSummary prints the closing summary of a text-mode search.
func writeSummary(w io.Writer, q search.Query, lines []summaryLine, stats *search.Stats) error {
	var b strings.Builder
	if len(lines) == 0 {
		b.WriteString("No matching pages found.\n")
	} else {
		fmt.Fprintf(&b, "\n%s\nSUMMARY\n%s\n", heavyRule, heavyRule)
		fmt.Fprintf(&b, "Found %d pages matching '%s'\n", len(lines), q.Pattern)
		for _, l := range lines {
			fmt.Fprintf(&b, "- %s (%d occurrences)\n", l.Title, l.Occurrences)
		}
	}
	if stats != nil {
		fmt.Fprintf(&b, "Searched %d records (%s) in %s\n", stats.Scanned, stats.Mode, stats.Elapsed.Round(time.Millisecond))
	}
	if len(lines) > 0 {
		fmt.Fprintf(&b, "%s\n", heavyRule)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// resultFile appends full-text result blocks to an output file, flushing
// after each one so an interrupted search keeps what it found.
type resultFile struct {
	w *bufio.Writer
	c io.Closer
}

func newResultFile(wc io.WriteCloser, q search.Query) (*resultFile, error) {
	f := &resultFile{w: bufio.NewWriter(wc), c: wc}
	_, _ = fmt.Fprintf(f.w, "Wikipedia Search Results\n")
	_, _ = fmt.Fprintf(f.w, "Search term: '%s'\n", q.Pattern)
	_, _ = fmt.Fprintf(f.w, "Regex: %t\n", q.Regex)
	_, _ = fmt.Fprintf(f.w, "Case sensitive: %t\n", q.CaseSensitive)
	_, _ = fmt.Fprintf(f.w, "Search content: %t\n", q.IncludeContent)
	_, _ = fmt.Fprintf(f.w, "%s\n", heavyRule)
	if err := f.w.Flush(); err != nil {
		_ = wc.Close()
		return nil, err
	}
	return f, nil
}

func (f *resultFile) write(r result) error {
	if err := writeBlock(f.w, r, "Full Text (cleaned)"); err != nil {
		return err
	}
	return f.w.Flush()
}

func (f *resultFile) Close() error {
	ferr := f.w.Flush()
	cerr := f.c.Close()
	if ferr != nil {
		return ferr
	}
	return cerr
}
