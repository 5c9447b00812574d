package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strconv"
)

// Body is the message body store. The JSON view is parsed lazily on first
// use and dropped whenever the raw bytes change.
type Body struct {
	raw     []byte
	changed bool

	parsed   bool
	doc      any
	parseErr error
}

// NewBody wraps raw body bytes.
func NewBody(raw []byte) *Body {
	return &Body{raw: raw}
}

// Present reports whether the body has any bytes.
func (b *Body) Present() bool {
	return len(b.raw) > 0
}

// Bytes returns the raw body.
func (b *Body) Bytes() []byte {
	return b.raw
}

// String returns the raw body as a string.
func (b *Body) String() string {
	return string(b.raw)
}

// Changed reports whether the body was replaced since construction.
func (b *Body) Changed() bool {
	return b.changed
}

// JSON returns the parsed body. Numbers decode as json.Number. ok is false
// when the body is empty or not valid JSON.
func (b *Body) JSON() (doc any, ok bool) {
	if !b.parsed {
		b.parsed = true
		b.doc, b.parseErr = DecodeJSON(b.raw)
	}
	if b.parseErr != nil {
		return nil, false
	}
	return b.doc, true
}

// IsValidJSON reports whether the body parses as JSON.
func (b *Body) IsValidJSON() bool {
	_, ok := b.JSON()
	return ok
}

// SetRaw replaces the body bytes.
func (b *Body) SetRaw(raw []byte) {
	b.raw = raw
	b.changed = true
	b.parsed = false
	b.doc = nil
	b.parseErr = nil
}

// SetString replaces the body with s.
func (b *Body) SetString(s string) {
	b.SetRaw([]byte(s))
}

// SetJSON replaces the body with the encoding of doc.
func (b *Body) SetJSON(doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	b.SetRaw(raw)
	return nil
}

var errTrailingData = errors.New("trailing data after JSON value")

// DecodeJSON parses one JSON value, keeping numbers as json.Number.
func DecodeJSON(raw []byte) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errTrailingData
	}
	return doc, nil
}

// Message is one side of an HTTP transaction as seen by the engine.
type Message struct {
	Headers *Headers
	Body    *Body
}

// New builds a Message from headers and body bytes.
func New(headers *Headers, body []byte) *Message {
	if headers == nil {
		headers = NewHeaders()
	}
	return &Message{Headers: headers, Body: NewBody(body)}
}

// ReplaceBody sets new body bytes and keeps content-length consistent.
func (m *Message) ReplaceBody(raw []byte) {
	m.Body.SetRaw(raw)
	m.Headers.Set("content-length", strconv.Itoa(len(raw)))
}

// Path returns the :path pseudo header.
func (m *Message) Path() string {
	p, _ := m.Headers.First(":path")
	return p
}

// Query returns a parsed view of the query part of :path.
func (m *Message) Query() *Query {
	_, raw, _ := SplitPath(m.Path())
	return ParseQuery(raw)
}

// SetQuery rewrites the query part of :path.
func (m *Message) SetQuery(q *Query) {
	path, _, _ := SplitPath(m.Path())
	m.Headers.Set(":path", JoinPath(path, q.Encode()))
}
