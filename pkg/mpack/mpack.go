// Package mpack msgpack-encodes the opaque audit blobs (submit
// acknowledgement, validated result) written to operation_steps (spec §3).
// msgpack keeps the audit payload compact and engine-agnostic instead of
// tying the schema to a driver-specific struct.
package mpack

import "github.com/vmihailenco/msgpack/v5"

// Encode marshals v to a msgpack blob.
func Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Decode unmarshals a msgpack blob into v.
func Decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}

	return msgpack.Unmarshal(data, v)
}
