package httphead

import (
	"bytes"
	"strings"

	"ua-rewrite-proxy/internal/model"
)

// DefaultMaxValueBytes leaves unusually long existing values alone.
const DefaultMaxValueBytes = 1024

// RewriterOptions configures a Rewriter.
type RewriterOptions struct {
	// Header is the field name to rewrite, matched case-insensitively.
	Header string
	// Value replaces the first occurrence's value.
	Value string
	// Keep lists existing values that are left untouched (case-insensitive, exact).
	Keep []string
	// MaxValueBytes leaves existing values longer than this untouched. Zero
	// selects DefaultMaxValueBytes; a negative value disables the check.
	MaxValueBytes int
}

// Rewriter replaces the value of one header in a parsed request head.
// It holds no per-connection state and is safe for concurrent use.
type Rewriter struct {
	header   string
	value    []byte
	keep     [][]byte
	maxValue int
}

// NewRewriter creates a Rewriter.
func NewRewriter(opts RewriterOptions) *Rewriter {
	r := &Rewriter{
		header:   strings.TrimSpace(opts.Header),
		value:    []byte(opts.Value),
		maxValue: opts.MaxValueBytes,
	}
	if r.maxValue == 0 {
		r.maxValue = DefaultMaxValueBytes
	}
	for _, k := range opts.Keep {
		r.keep = append(r.keep, []byte(k))
	}
	return r
}

// Header returns the field name this Rewriter targets.
func (r *Rewriter) Header() string { return r.header }

// Outcome is the result of rewriting a request head.
type Outcome struct {
	// Rewritten reports whether Block differs from the original head.
	Rewritten bool
	// Block is the header block to send upstream in place of the original.
	Block []byte
	// Previous is the original value of the target header, when present.
	Previous []byte
	// Reason explains why the head was left unchanged.
	Reason model.PassthroughReason
}

// Rewrite returns the header block with the first matching header's value
// replaced. Every other byte of the block is preserved, including line
// terminators, header order and later duplicates of the target header.
func (r *Rewriter) Rewrite(h *Head) Outcome {
	i := h.index(r.header)
	if i < 0 {
		return Outcome{Block: h.Bytes(), Reason: model.PassAbsent}
	}
	f := h.Fields[i]
	if r.keepValue(f.Value) {
		return Outcome{Block: h.Bytes(), Previous: f.Value, Reason: model.PassKept}
	}

	block := h.Bytes()
	out := make([]byte, 0, len(block)-len(f.Value)+len(r.value))
	out = append(out, block[:f.valueStart]...)
	out = append(out, r.value...)
	out = append(out, block[f.valueEnd:]...)
	return Outcome{Rewritten: true, Block: out, Previous: f.Value}
}

func (r *Rewriter) keepValue(v []byte) bool {
	if r.maxValue > 0 && len(v) > r.maxValue {
		return true
	}
	for _, k := range r.keep {
		if bytes.EqualFold(v, k) {
			return true
		}
	}
	return false
}
