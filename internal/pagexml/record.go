// Package pagexml delimits <page> records in a MediaWiki XML export stream.
//
// The scanner never builds a document tree. It looks for the literal
// <page> and </page> markers in a sliding window, tracks their absolute byte
// offsets, and extracts the handful of fields wikiseek needs from each
// record. Inside <text> and <title> the dump escapes '<' as &lt;, so the
// markers cannot appear in content.
package pagexml

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// ErrMalformed marks a record that was skipped. Scanners never return it
// from Next; it is used for logging and by ParseRecord.
var ErrMalformed = errors.New("malformed page record")

// Record is one page of the dump.
type Record struct {
	ID         int64
	Title      string
	Namespace  int
	Redirect   string // target title when the page is a redirect
	RevisionID int64
	Timestamp  time.Time
	Text       string // wikitext of the last revision, entities decoded

	// Start is the decompressed offset of the '<' of <page>; Length runs
	// through the '>' of </page>.
	Start  int64
	Length int64
}

// End returns the offset one past the record's closing marker.
func (r Record) End() int64 {
	return r.Start + r.Length
}

var (
	openPage  = []byte("<page>")
	closePage = []byte("</page>")
	revision  = []byte("<revision>")
)

// ParseRecord extracts a Record from data, which must hold exactly one
// record from <page> through </page>. start is the absolute offset of
// data[0]. The index reader calls this on bytes fetched by offset, so a
// record parses the same whether it was scanned or sought.
func ParseRecord(data []byte, start int64) (Record, error) {
	if !bytes.HasPrefix(data, openPage) || !bytes.HasSuffix(data, closePage) {
		return Record{}, fmt.Errorf("%w at offset %d: missing page markers", ErrMalformed, start)
	}
	rec := Record{Start: start, Length: int64(len(data))}

	// Page-level fields live before the first revision.
	head := data
	revs := []byte(nil)
	if i := bytes.Index(data, revision); i >= 0 {
		head, revs = data[:i], data[i:]
	}

	title, ok := element(head, "title")
	if !ok {
		return Record{}, fmt.Errorf("%w at offset %d: no title", ErrMalformed, start)
	}
	rec.Title = unescape(string(title))

	id, ok := element(head, "id")
	if !ok {
		return Record{}, fmt.Errorf("%w at offset %d: no page id", ErrMalformed, start)
	}
	n, err := strconv.ParseInt(string(bytes.TrimSpace(id)), 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("%w at offset %d: page id: %v", ErrMalformed, start, err)
	}
	rec.ID = n

	if ns, ok := element(head, "ns"); ok {
		if v, err := strconv.Atoi(string(bytes.TrimSpace(ns))); err == nil {
			rec.Namespace = v
		}
	}
	if target, ok := attribute(head, "redirect", "title"); ok {
		rec.Redirect = unescape(string(target))
	}

	// The last revision is the current one.
	if i := bytes.LastIndex(revs, revision); i >= 0 {
		last := revs[i:]
		if v, ok := element(last, "id"); ok {
			rec.RevisionID, _ = strconv.ParseInt(string(bytes.TrimSpace(v)), 10, 64)
		}
		if v, ok := element(last, "timestamp"); ok {
			rec.Timestamp, _ = time.Parse(time.RFC3339, string(bytes.TrimSpace(v)))
		}
		if v, ok := element(last, "text"); ok {
			rec.Text = unescape(string(v))
		}
	}
	return rec, nil
}

// unescape decodes character references. html.UnescapeString follows the
// HTML5 rules, which map &#128; through &#159; to Windows-1252 characters
// (&#150; becomes an en dash); XML maps them to the C1 controls U+0080
// through U+009F, so those references are decoded here first.
func unescape(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}
	if strings.Contains(s, "&#") {
		s = decodeC1(s)
	}
	return html.UnescapeString(s)
}

// decodeC1 replaces numeric references in the C1 range with their code
// points and leaves every other reference alone.
func decodeC1(s string) string {
	var b strings.Builder
	rest := s
	for {
		i := strings.Index(rest, "&#")
		if i < 0 {
			break
		}
		ref := rest[i+2:]
		semi := strings.IndexByte(ref, ';')
		if semi < 0 || semi > 8 {
			b.WriteString(rest[:i+2])
			rest = ref
			continue
		}
		digits, base := ref[:semi], 10
		if len(digits) > 0 && (digits[0] == 'x' || digits[0] == 'X') {
			digits, base = digits[1:], 16
		}
		v, err := strconv.ParseUint(digits, base, 32)
		if err != nil || v < 0x80 || v > 0x9f {
			b.WriteString(rest[:i+2])
			rest = ref
			continue
		}
		b.WriteString(rest[:i])
		b.WriteRune(rune(v))
		rest = ref[semi+1:]
	}
	if b.Len() == 0 {
		return s
	}
	b.WriteString(rest)
	return b.String()
}

// element returns the content of the first <name ...>content</name> in
// data. A self-closing <name ... /> yields empty content.
func element(data []byte, name string) ([]byte, bool) {
	open := []byte("<" + name)
	for off := 0; ; {
		i := bytes.Index(data[off:], open)
		if i < 0 {
			return nil, false
		}
		i += off
		after := i + len(open)
		if after >= len(data) {
			return nil, false
		}
		// Reject prefixes of longer names (<id> vs <idx>).
		if c := data[after]; c != '>' && c != ' ' && c != '/' && c != '\t' && c != '\n' {
			off = after
			continue
		}
		gt := bytes.IndexByte(data[after:], '>')
		if gt < 0 {
			return nil, false
		}
		gt += after
		if data[gt-1] == '/' {
			return nil, true
		}
		closeTag := []byte("</" + name + ">")
		end := bytes.Index(data[gt+1:], closeTag)
		if end < 0 {
			return nil, false
		}
		return data[gt+1 : gt+1+end], true
	}
}

// attribute returns the value of attr on the first <name ...> tag.
func attribute(data []byte, name, attr string) ([]byte, bool) {
	open := []byte("<" + name + " ")
	i := bytes.Index(data, open)
	if i < 0 {
		return nil, false
	}
	tag := data[i+len(open):]
	if gt := bytes.IndexByte(tag, '>'); gt >= 0 {
		tag = tag[:gt]
	}
	key := []byte(attr + `="`)
	j := bytes.Index(tag, key)
	if j < 0 {
		return nil, false
	}
	val := tag[j+len(key):]
	k := bytes.IndexByte(val, '"')
	if k < 0 {
		return nil, false
	}
	return val[:k], true
}
