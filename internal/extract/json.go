// Package extract pulls post fields out of the undocumented, deeply nested
// feed payloads delivered to the browser.
package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Object is a JSON object that remembers the order its keys were decoded in.
// Lookup walks keys in this order, so the first match is deterministic.
type Object struct {
	Keys   []string
	Values map[string]any
}

// Get returns the value stored under key.
func (o *Object) Get(key string) (any, bool) {
	if o == nil {
		return nil, false
	}
	v, ok := o.Values[key]
	return v, ok
}

// Decode parses one JSON value into Objects, []any, json.Number, string, bool or nil.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			return decodeObject(dec)
		case '[':
			return decodeArray(dec)
		default:
			return nil, fmt.Errorf("unexpected delimiter %q", t)
		}
	default:
		return t, nil
	}
}

func decodeObject(dec *json.Decoder) (*Object, error) {
	obj := &Object{Values: map[string]any{}}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("read key: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("object key is %T", tok)
		}
		val, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		if _, dup := obj.Values[key]; !dup {
			obj.Keys = append(obj.Keys, key)
		}
		obj.Values[key] = val
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("close object: %w", err)
	}
	return obj, nil
}

func decodeArray(dec *json.Decoder) ([]any, error) {
	arr := []any{}
	for dec.More() {
		val, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		arr = append(arr, val)
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("close array: %w", err)
	}
	return arr, nil
}
