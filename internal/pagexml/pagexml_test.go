package pagexml

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"testing/iotest"
	"time"
)

func page(id int, title, text string) string {
	return fmt.Sprintf(`  <page>
    <title>%s</title>
    <ns>0</ns>
    <id>%d</id>
    <revision>
      <id>%d</id>
      <timestamp>2025-10-01T00:00:00Z</timestamp>
      <text bytes="%d" xml:space="preserve">%s</text>
    </revision>
  </page>
`, title, id, id*100, len(text), text)
}

func dump(pages ...string) string {
	return "<mediawiki>\n  <siteinfo>\n    <sitename>Test</sitename>\n  </siteinfo>\n" +
		strings.Join(pages, "") + "</mediawiki>\n"
}

func scanAll(t *testing.T, s *Scanner) []Record {
	t.Helper()
	var out []Record
	for rec, err := range s.Records(context.Background()) {
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		out = append(out, rec)
	}
	return out
}

func titles(recs []Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Title
	}
	return out
}

// =============================================================================
// ParseRecord
// =============================================================================

func TestParseRecordFields(t *testing.T) {
	data := []byte(`<page>
    <title>AT&amp;T &quot;Bell&quot;</title>
    <ns>4</ns>
    <id>42</id>
    <redirect title="Bell &amp; Co" />
    <revision>
      <id>7</id>
      <timestamp>2020-01-01T00:00:00Z</timestamp>
      <text bytes="3">old</text>
    </revision>
    <revision>
      <id>8</id>
      <parentid>7</parentid>
      <timestamp>2025-09-30T12:34:56Z</timestamp>
      <text bytes="30" xml:space="preserve">x &lt; y &amp;&amp; [[Link]] &#39;q&#39;</text>
    </revision>
  </page>`)

	rec, err := ParseRecord(data, 500)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := Record{
		ID:         42,
		Title:      `AT&T "Bell"`,
		Namespace:  4,
		Redirect:   "Bell & Co",
		RevisionID: 8,
		Text:       "x < y && [[Link]] 'q'",
		Start:      500,
		Length:     int64(len(data)),
	}
	if ts := time.Date(2025, 9, 30, 12, 34, 56, 0, time.UTC); !rec.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", rec.Timestamp, ts)
	}
	rec.Timestamp = time.Time{}
	if rec != want {
		t.Errorf("got  %+v\nwant %+v", rec, want)
	}
	if rec.End() != 500+int64(len(data)) {
		t.Errorf("End() = %d", rec.End())
	}
}

func TestParseRecordSelfClosingText(t *testing.T) {
	data := []byte(`<page><title>Empty</title><id>1</id><revision><id>2</id><text bytes="0" /></revision></page>`)
	rec, err := ParseRecord(data, 0)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if rec.Text != "" || rec.Title != "Empty" || rec.ID != 1 || rec.RevisionID != 2 {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestParseRecordC1References(t *testing.T) {
	data := []byte(`<page><title>A&#150;B</title><id>1</id><revision><text>&#x96;|&#X9F;|&#128;|&#127;|&#160;|&#8211;|&amp;#150;|&lt;b&gt;</text></revision></page>`)
	rec, err := ParseRecord(data, 0)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if rec.Title != "A\u0096B" {
		t.Errorf("title = %q, want C1 control U+0096", rec.Title)
	}
	want := "\u0096|\u009f|\u0080|\u007f|\u00a0|\u2013|&#150;|<b>"
	if rec.Text != want {
		t.Errorf("text = %q, want %q", rec.Text, want)
	}
}

func TestParseRecordMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"no markers", `<title>X</title><id>1</id>`},
		{"no title", `<page><id>1</id><revision><text>x</text></revision></page>`},
		{"no id", `<page><title>X</title><revision><text>x</text></revision></page>`},
		{"bad id", `<page><title>X</title><id>abc</id></page>`},
		{"unterminated title", `<page><title>X<id>1</id></page>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRecord([]byte(tt.data), 0)
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestElementPrefixNames(t *testing.T) {
	data := []byte(`<idx>9</idx><id>3</id><textual>no</textual><text>yes</text>`)
	if v, ok := element(data, "id"); !ok || string(v) != "3" {
		t.Errorf("id = %q, %v", v, ok)
	}
	if v, ok := element(data, "text"); !ok || string(v) != "yes" {
		t.Errorf("text = %q, %v", v, ok)
	}
	if _, ok := element(data, "title"); ok {
		t.Error("title should be absent")
	}
}

// =============================================================================
// Scanner
// =============================================================================

func TestScannerOffsets(t *testing.T) {
	input := dump(
		page(1, "Alpha", "first"),
		page(2, "Beta", "second"),
		page(3, "Gamma", "third"),
	)
	s := NewScanner(strings.NewReader(input), 0, Options{})
	recs := scanAll(t, s)

	if got := titles(recs); strings.Join(got, ",") != "Alpha,Beta,Gamma" {
		t.Fatalf("titles = %v", got)
	}
	var prevEnd int64
	for _, r := range recs {
		chunk := input[r.Start:r.End()]
		if !strings.HasPrefix(chunk, "<page>") || !strings.HasSuffix(chunk, "</page>") {
			t.Errorf("%s: bytes [%d,%d) are not a whole record: %q", r.Title, r.Start, r.End(), chunk)
		}
		if r.Start < prevEnd {
			t.Errorf("%s: overlaps previous record", r.Title)
		}
		prevEnd = r.End()
	}
	if s.Skipped() != 0 {
		t.Errorf("skipped = %d, want 0", s.Skipped())
	}
}

func TestScannerBaseOffset(t *testing.T) {
	input := dump(page(1, "Alpha", "x"))
	recs := scanAll(t, NewScanner(strings.NewReader(input), 1000, Options{}))
	if len(recs) != 1 {
		t.Fatalf("got %d records", len(recs))
	}
	if want := int64(1000 + strings.Index(input, "<page>")); recs[0].Start != want {
		t.Errorf("start = %d, want %d", recs[0].Start, want)
	}
}

func TestScannerSplitReads(t *testing.T) {
	input := dump(
		page(1, "Alpha", strings.Repeat("a", 3000)),
		page(2, "Beta", "b"),
	)
	whole := scanAll(t, NewScanner(strings.NewReader(input), 0, Options{}))
	oneByte := scanAll(t, NewScanner(iotest.OneByteReader(strings.NewReader(input)), 0, Options{}))
	half := scanAll(t, NewScanner(iotest.HalfReader(strings.NewReader(input)), 0, Options{}))

	for _, got := range [][]Record{oneByte, half} {
		if len(got) != len(whole) {
			t.Fatalf("got %d records, want %d", len(got), len(whole))
		}
		for i := range whole {
			if got[i] != whole[i] {
				t.Errorf("record %d differs:\n got %+v\nwant %+v", i, got[i], whole[i])
			}
		}
	}
}

func TestScannerLargeInput(t *testing.T) {
	var pages []string
	for i := 1; i <= 300; i++ {
		pages = append(pages, page(i, fmt.Sprintf("Page %d", i), strings.Repeat("lorem ipsum ", 200)))
	}
	input := dump(pages...)
	recs := scanAll(t, NewScanner(strings.NewReader(input), 0, Options{}))
	if len(recs) != 300 {
		t.Fatalf("got %d records, want 300", len(recs))
	}
	for i, r := range recs {
		if r.ID != int64(i+1) {
			t.Fatalf("record %d has id %d", i, r.ID)
		}
		if input[r.Start:r.Start+6] != "<page>" {
			t.Fatalf("record %d start offset %d is wrong", i, r.Start)
		}
	}
}

func TestScannerSkipsCorruptClosingMarker(t *testing.T) {
	broken := strings.Replace(page(2, "Beta", "second"), "</page>", "</pag>", 1)
	input := dump(page(1, "Alpha", "first"), broken, page(3, "Gamma", "third"))

	s := NewScanner(strings.NewReader(input), 0, Options{})
	recs := scanAll(t, s)
	if got := titles(recs); strings.Join(got, ",") != "Alpha,Gamma" {
		t.Fatalf("titles = %v", got)
	}
	if s.Skipped() != 1 {
		t.Errorf("skipped = %d, want 1", s.Skipped())
	}
}

func TestScannerSkipsUnterminatedAtEOF(t *testing.T) {
	input := "<mediawiki>\n" + page(1, "Alpha", "x") + "  <page>\n    <title>Cut</title>\n    <id>9</id>"
	s := NewScanner(strings.NewReader(input), 0, Options{})
	recs := scanAll(t, s)
	if len(recs) != 1 || recs[0].Title != "Alpha" {
		t.Fatalf("records = %v", titles(recs))
	}
	if s.Skipped() != 1 {
		t.Errorf("skipped = %d, want 1", s.Skipped())
	}
}

func TestScannerSkipsRecordWithoutTitle(t *testing.T) {
	noTitle := "  <page>\n    <id>5</id>\n  </page>\n"
	s := NewScanner(strings.NewReader(dump(noTitle, page(6, "Kept", "y"))), 0, Options{})
	recs := scanAll(t, s)
	if len(recs) != 1 || recs[0].Title != "Kept" {
		t.Fatalf("records = %v", titles(recs))
	}
	if s.Skipped() != 1 {
		t.Errorf("skipped = %d, want 1", s.Skipped())
	}
}

func TestScannerSkipsOversizedRecord(t *testing.T) {
	big := page(1, "Big", strings.Repeat("z", 2*readSize))
	s := NewScanner(strings.NewReader(dump(big, page(2, "Small", "s"))), 0, Options{MaxRecordBytes: readSize})
	recs := scanAll(t, s)
	if len(recs) != 1 || recs[0].Title != "Small" {
		t.Fatalf("records = %v", titles(recs))
	}
	if s.Skipped() != 1 {
		t.Errorf("skipped = %d, want 1", s.Skipped())
	}
}

func TestScannerNoPages(t *testing.T) {
	s := NewScanner(strings.NewReader("<mediawiki></mediawiki>"), 0, Options{})
	if _, err := s.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if s.Skipped() != 0 {
		t.Errorf("skipped = %d", s.Skipped())
	}
}

func TestScannerReadError(t *testing.T) {
	boom := errors.New("boom")
	r := io.MultiReader(strings.NewReader("<mediawiki>\n  <page><title>A"), iotest.ErrReader(boom))
	s := NewScanner(r, 0, Options{})

	var got error
	for _, err := range s.Records(context.Background()) {
		got = err
	}
	if !errors.Is(got, boom) {
		t.Fatalf("expected read error, got %v", got)
	}
}

func TestRecordsEarlyBreak(t *testing.T) {
	input := dump(page(1, "A", "a"), page(2, "B", "b"), page(3, "C", "c"))
	s := NewScanner(strings.NewReader(input), 0, Options{})
	n := 0
	for _, err := range s.Records(context.Background()) {
		if err != nil {
			t.Fatal(err)
		}
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Fatalf("visited %d records", n)
	}
	// The scanner resumes where the consumer stopped.
	rec, err := s.Next()
	if err != nil || rec.Title != "C" {
		t.Fatalf("next = %+v, %v", rec, err)
	}
}

func TestRecordsContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewScanner(bytes.NewReader([]byte(dump(page(1, "A", "a")))), 0, Options{})
	for _, err := range s.Records(ctx) {
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	}
}
