package model

import (
	"bytes"
	"encoding/json"
)

// newNumberDecoder returns a decoder that keeps numbers as json.Number so
// integer payloads survive the trip without float conversion.
func newNumberDecoder(data []byte) *json.Decoder {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec
}

// DecodeValue decodes arbitrary JSON into a Value, rejecting floats.
func DecodeValue(data []byte) (Value, error) {
	var raw any
	dec := newNumberDecoder(data)
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return FromGo(raw)
}

// DecodeObject decodes a JSON object into an Object, rejecting floats.
func DecodeObject(data []byte) (Object, error) {
	var obj Object
	if err := obj.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return obj, nil
}
