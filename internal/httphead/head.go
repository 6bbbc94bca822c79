package httphead

import (
	"bytes"
	"errors"
)

// Field is one header line of a request head. Offsets index into the
// block the field was parsed from.
type Field struct {
	Name  []byte
	Value []byte

	valueStart int
	valueEnd   int
}

// Head is a parsed request head: the request line and the header fields in
// wire order. It references the exact block it was parsed from and is
// read-only once produced.
type Head struct {
	Method []byte
	Target []byte
	Proto  []byte
	Fields []Field

	block []byte
}

// Bytes returns the original header block, blank line included.
func (h *Head) Bytes() []byte { return h.block }

// Len returns the length of the header block.
func (h *Head) Len() int { return len(h.block) }

// Lookup returns the first field whose name matches name case-insensitively.
func (h *Head) Lookup(name string) (Field, bool) {
	i := h.index(name)
	if i < 0 {
		return Field{}, false
	}
	return h.Fields[i], true
}

func (h *Head) index(name string) int {
	for i := range h.Fields {
		if bytes.EqualFold(h.Fields[i].Name, []byte(name)) {
			return i
		}
	}
	return -1
}

var errMalformedRequestLine = errors.New("malformed request line")

// parseHead splits a complete header block into the request line and its
// fields. Lines without a colon are kept in the block but are not fields.
// A line starting with SP or HTAB continues the previous field's value.
func parseHead(block []byte) (*Head, error) {
	h := &Head{block: block}

	lineEnd := bytes.IndexByte(block, '\n')
	if lineEnd < 0 {
		return nil, errMalformedRequestLine
	}
	parts := bytes.SplitN(trimEOL(block[:lineEnd+1]), []byte{' '}, 3)
	if len(parts) != 3 {
		return nil, errMalformedRequestLine
	}
	h.Method, h.Target, h.Proto = parts[0], parts[1], parts[2]

	pos := lineEnd + 1
	last := -1
	for pos < len(block) {
		i := bytes.IndexByte(block[pos:], '\n')
		if i < 0 {
			break
		}
		raw := block[pos : pos+i+1]
		content := trimEOL(raw)
		start := pos
		pos += i + 1

		if len(content) == 0 {
			break
		}

		if (content[0] == ' ' || content[0] == '\t') && last >= 0 {
			f := &h.Fields[last]
			if end := start + len(trimOWSRight(content)); end > f.valueStart && len(bytes.TrimLeft(content, " \t")) > 0 {
				f.valueEnd = end
				f.Value = block[f.valueStart:f.valueEnd]
			}
			continue
		}

		colon := bytes.IndexByte(content, ':')
		if colon <= 0 {
			last = -1
			continue
		}

		vs := colon + 1
		for vs < len(content) && (content[vs] == ' ' || content[vs] == '\t') {
			vs++
		}
		ve := len(trimOWSRight(content))
		if ve < vs {
			ve = vs
		}
		h.Fields = append(h.Fields, Field{
			Name:       content[:colon],
			Value:      content[vs:ve],
			valueStart: start + vs,
			valueEnd:   start + ve,
		})
		last = len(h.Fields) - 1
	}
	return h, nil
}

func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte{'\n'})
	return bytes.TrimSuffix(line, []byte{'\r'})
}

func trimOWSRight(b []byte) []byte {
	return bytes.TrimRight(b, " \t")
}
