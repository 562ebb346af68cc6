package rga

import "reflect"

// Span is a maximal run of visible characters sharing one format
// set. Start is in visible coordinates.
type Span struct {
	Start   int    `json:"start"`
	Text    string `json:"text"`
	Formats Format `json:"formats,omitempty"`
}

// Spans coalesces adjacent visible cells with identical attributes.
// Pure read-side projection, computed on demand; nothing is cached
// or mutated.
func (buf *Buffer) Spans() (spans []Span) {
	var runes []rune
	var formats Format
	start, visible := 0, 0
	flush := func() {
		if len(runes) == 0 {
			return
		}
		spans = append(spans, Span{Start: start, Text: string(runes), Formats: formats.Copy()})
		runes = runes[:0]
	}
	for i := range buf.cells {
		c := &buf.cells[i]
		if c.tombstone {
			continue
		}
		if len(runes) == 0 || !formatsEqual(formats, c.formats) {
			flush()
			start = visible
			formats = c.formats
		}
		runes = append(runes, c.char)
		visible++
	}
	flush()
	return
}

// formatsEqual compares attribute sets independent of map order.
func formatsEqual(a, b Format) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !reflect.DeepEqual(av, bv) {
			return false
		}
	}
	return true
}
