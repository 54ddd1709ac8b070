package http

import (
	"strings"

	sliceutil "github.com/xth/brynet/lib/slice"
	"github.com/xth/brynet/util/rule"

	"github.com/pkg/errors"
)

type HeadersOptions struct {
	// NeverJoin lists fields whose values [Headers.Get] must not join
	// with ", " when multiple fields share the name.
	NeverJoin []string
}

var DefaultHeadersOptions = HeadersOptions{
	NeverJoin: []string{"Set-Cookie"},
}

// Headers is an ordered multimap of header fields.
//
// Field names are stored in canonical form (e.g. "content-length" becomes
// "Content-Length") and lookups are case-insensitive. Insertion order is
// preserved and is the serialization order.
//
// Reads on a nil *Headers behave as reads on an empty set.
type Headers struct {
	fields    []Field
	index     map[string][]int
	neverJoin map[string]struct{}
}

func NewHeaders(opts HeadersOptions) *Headers {
	h := &Headers{index: make(map[string][]int)}

	h.neverJoin = make(map[string]struct{}, len(opts.NeverJoin))
	for _, name := range opts.NeverJoin {
		h.neverJoin[toCanonicalFieldName(name)] = struct{}{}
	}

	return h
}

var (
	ErrInvalidFieldName  = errors.New("field name is not a valid token")
	ErrInvalidFieldValue = errors.New("field value contains prohibited characters")
)

// Add appends a field, keeping existing fields with the same name.
// The value is stored with surrounding OWS trimmed.
func (h *Headers) Add(name, value string) error {
	if !rule.IsValidToken(name) {
		return ErrInvalidFieldName
	}

	value = trimOWS(value)
	if !rule.IsValidFieldValue(value) {
		return ErrInvalidFieldValue
	}

	h.addParsed(Field{Name: toCanonicalFieldName(name), Value: value})

	return nil
}

// Set removes all fields with the name, then adds one.
func (h *Headers) Set(name, value string) error {
	if !rule.IsValidToken(name) {
		return ErrInvalidFieldName
	}

	value = trimOWS(value)
	if !rule.IsValidFieldValue(value) {
		return ErrInvalidFieldValue
	}

	h.Del(name)
	h.addParsed(Field{Name: toCanonicalFieldName(name), Value: value})

	return nil
}

// addParsed appends a field whose name is already canonical and whose
// value is already validated.
func (h *Headers) addParsed(f Field) {
	if h.index == nil {
		h.index = make(map[string][]int)
	}

	h.index[f.Name] = append(h.index[f.Name], len(h.fields))
	h.fields = append(h.fields, f)
}

// Get returns the value of the field. When multiple fields share the
// name, their values are joined with ", ", unless the name is listed in
// [HeadersOptions.NeverJoin], in which case the first value is returned
// (use [Headers.Values] for the rest).
func (h *Headers) Get(name string) (value string, ok bool) {
	if h == nil {
		return "", false
	}

	idxs := h.index[h.key(name)]
	if len(idxs) == 0 {
		return "", false
	}

	if len(idxs) == 1 {
		return h.fields[idxs[0]].Value, true
	}

	if _, never := h.neverJoin[h.fields[idxs[0]].Name]; never {
		return h.fields[idxs[0]].Value, true
	}

	return strings.Join(h.valuesAt(idxs), ", "), true
}

// Values returns every value of the field in insertion order.
func (h *Headers) Values(name string) (values []string) {
	if h == nil {
		return nil
	}

	idxs := h.index[h.key(name)]
	if len(idxs) == 0 {
		return nil
	}

	return h.valuesAt(idxs)
}

func (h *Headers) valuesAt(idxs []int) []string {
	return sliceutil.Map(idxs, func(idx int) string {
		return h.fields[idx].Value
	})
}

// TokenList returns the comma separated members of every value of the
// field, in order. Quoted members keep their commas.
func (h *Headers) TokenList(name string) (members []string) {
	for _, value := range h.Values(name) {
		members = append(members, tokenizeValue(value)...)
	}

	return members
}

// HasToken reports whether any value of the field contains token as one
// of its comma separated members. Comparison is ASCII case-insensitive.
func (h *Headers) HasToken(name, token string) bool {
	for _, member := range h.TokenList(name) {
		if strings.EqualFold(member, token) {
			return true
		}
	}

	return false
}

func (h *Headers) Has(name string) bool {
	if h == nil {
		return false
	}
	return len(h.index[h.key(name)]) > 0
}

// Del removes all fields with the name.
func (h *Headers) Del(name string) {
	key := h.key(name)
	if _, ok := h.index[key]; !ok {
		return
	}

	kept := h.fields[:0]
	for _, f := range h.fields {
		if f.Name != key {
			kept = append(kept, f)
		}
	}
	h.fields = kept

	h.reindex()
}

func (h *Headers) Len() int {
	if h == nil {
		return 0
	}
	return len(h.fields)
}

// Fields returns a copy of the fields in insertion order.
func (h *Headers) Fields() []Field {
	if h == nil {
		return nil
	}

	fields := make([]Field, len(h.fields))
	copy(fields, h.fields)
	return fields
}

func (h *Headers) Clone() *Headers {
	if h == nil {
		return nil
	}

	clone := &Headers{
		fields:    make([]Field, len(h.fields)),
		index:     make(map[string][]int, len(h.index)),
		neverJoin: make(map[string]struct{}, len(h.neverJoin)),
	}
	copy(clone.fields, h.fields)
	for k, v := range h.index {
		idxs := make([]int, len(v))
		copy(idxs, v)
		clone.index[k] = idxs
	}
	for k := range h.neverJoin {
		clone.neverJoin[k] = struct{}{}
	}

	return clone
}

func (h *Headers) reindex() {
	clear(h.index)
	for i, f := range h.fields {
		h.index[f.Name] = append(h.index[f.Name], i)
	}
}

// key returns the canonical lookup key, allocating only when name isn't
// canonical already.
func (h *Headers) key(name string) string {
	if isCanonicalFieldName(name) {
		return name
	}
	return toCanonicalFieldName(name)
}

func trimOWS(s string) string {
	return strings.Trim(s, string(rule.OWS))
}

func isCanonicalFieldName(s string) bool {
	upper := true
	for i := 0; i < len(s); i++ {
		c := s[i]
		if upper && 'a' <= c && c <= 'z' {
			return false
		}
		if !upper && 'A' <= c && c <= 'Z' {
			return false
		}
		upper = c == '-'
	}
	return true
}

// This only works for valid token.
func toCanonicalFieldName(s string) string {
	b := []byte(s)
	canonicalizeFieldName(b)
	return string(b)
}

// canonicalizeFieldName rewrites b in place into canonical form.
func canonicalizeFieldName(b []byte) {
	const capitalDiff = 'a' - 'A'
	upper := true
	for i, c := range b {
		if upper && 'a' <= c && c <= 'z' {
			c -= capitalDiff
		} else if !upper && 'A' <= c && c <= 'Z' {
			c += capitalDiff
		}
		b[i] = c
		upper = c == '-'
	}
}

// tokenizeValue splits a field value on commas, respecting quoted
// strings. Members come back whitespace-trimmed and unquoted; empty
// members are dropped.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-5.6.4-1
func tokenizeValue(value string) []string {
	tokens := make([]string, 0)

	var buf strings.Builder
	quoted := false

	for i := 0; i < len(value); i++ {
		c := value[i]
		switch {
		case c == '"':
			quoted = !quoted
			buf.WriteByte(c)
		case c == ',' && !quoted:
			tokens = appendToken(tokens, buf.String())
			buf.Reset()
		default:
			buf.WriteByte(c)
		}
	}

	// Quote may not have ended properly. At least keep the raw token.
	return appendToken(tokens, buf.String())
}

func appendToken(tokens []string, token string) []string {
	token = strings.TrimFunc(token, func(r rune) bool {
		return r < 0x80 && rule.IsWhitespace(byte(r))
	})
	token = string(rule.Unquote([]byte(token)))
	if len(token) == 0 {
		// Don't append if it's empty.
		return tokens
	}
	return append(tokens, token)
}
