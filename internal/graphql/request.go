// Package graphql adapts GraphQL-over-HTTP requests to pipeline dispatches.
//
// The gateway exposes a fixed root: health, restQuery and restMutation. Each
// selected root field becomes one DispatchRequest. Documents are parsed with
// gqlparser; there is no schema, so argument shapes are checked here.
package graphql

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vektah/gqlparser/v2/gqlerror"
)

// Request is a GraphQL-over-HTTP request body.
type Request struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`

	// QueryOnly rejects mutation operations. Set for GET requests.
	QueryOnly bool `json:"-"`
}

// Response is a GraphQL response. Data is nil when the document could not
// be executed at all.
type Response struct {
	Data   *Object       `json:"data,omitempty"`
	Errors gqlerror.List `json:"errors,omitempty"`
}

// HasData reports whether execution produced a data object.
func (r *Response) HasData() bool {
	return r != nil && r.Data != nil
}

type entry struct {
	key   string
	value any
}

// Object is a JSON object that preserves insertion order, so response keys
// follow the order fields were selected in.
type Object struct {
	entries []entry
}

// Set appends or replaces key.
func (o *Object) Set(key string, value any) {
	for i := range o.entries {
		if o.entries[i].key == key {
			o.entries[i].value = value
			return
		}
	}
	o.entries = append(o.entries, entry{key: key, value: value})
}

// Get returns the value for key.
func (o *Object) Get(key string) (any, bool) {
	if o == nil {
		return nil, false
	}
	for _, e := range o.entries {
		if e.key == key {
			return e.value, true
		}
	}
	return nil, false
}

// Keys returns keys in insertion order.
func (o *Object) Keys() []string {
	keys := make([]string, 0, len(o.entries))
	for _, e := range o.entries {
		keys = append(keys, e.key)
	}
	return keys
}

// MarshalJSON encodes the object with keys in insertion order.
func (o *Object) MarshalJSON() ([]byte, error) {
	if o == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range o.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.key)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(e.value)
		if err != nil {
			return nil, fmt.Errorf("encode field %s: %w", e.key, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
