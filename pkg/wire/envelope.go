// Package wire implements the framed message codec used between weft devices.
//
// Each frame carries one envelope: a {namespace, type, payload} unit
// serialized in one of two interchangeable formats (msgpack or JSON), with an
// optional compression flag. The format travels per frame, so both sides of a
// stream may mix formats freely.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Format selects the serialization of a frame's payload bytes.
type Format uint8

const (
	// FormatBinary is msgpack (format bits 00).
	FormatBinary Format = 0
	// FormatJSON is UTF-8 JSON (format bits 01).
	FormatJSON Format = 1
)

func (f Format) String() string {
	switch f {
	case FormatBinary:
		return "binary"
	case FormatJSON:
		return "json"
	default:
		return fmt.Sprintf("reserved(%d)", uint8(f))
	}
}

// ParseFormat maps a config string to a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "binary", "msgpack":
		return FormatBinary, nil
	case "json":
		return FormatJSON, nil
	default:
		return 0, fmt.Errorf("unknown wire format %q", s)
	}
}

var (
	// ErrInvalidEnvelope is returned when a decoded envelope has an empty
	// namespace or type.
	ErrInvalidEnvelope = errors.New("wire: invalid envelope")
)

// Envelope is the unit transmitted per frame. Control-plane traffic lives on
// the reserved "mesh" namespace; everything else is application traffic.
type Envelope struct {
	Namespace string `json:"namespace" msgpack:"namespace"`
	Type      string `json:"type" msgpack:"type"`
	Payload   Raw    `json:"payload,omitempty" msgpack:"payload,omitempty"`
	// Timestamp is milliseconds since the Unix epoch. Optional.
	Timestamp int64 `json:"timestamp,omitempty" msgpack:"timestamp,omitempty"`
}

// Raw holds payload bytes together with the format they were serialized in.
// It marshals transparently under either frame format, transcoding when the
// stored format differs from the one being written.
type Raw struct {
	format Format
	data   []byte
}

// NewRaw serializes v in the given format and returns it as a Raw payload.
func NewRaw(format Format, v any) (Raw, error) {
	data, err := marshalAs(format, v)
	if err != nil {
		return Raw{}, err
	}
	return Raw{format: format, data: data}, nil
}

// RawBytes wraps already-serialized bytes without copying.
func RawBytes(format Format, data []byte) Raw {
	return Raw{format: format, data: data}
}

// IsZero reports whether the payload is absent.
func (r Raw) IsZero() bool { return len(r.data) == 0 }

// Decode deserializes the payload into v using the format it was stored in.
func (r Raw) Decode(v any) error {
	if r.IsZero() {
		return errors.New("wire: empty payload")
	}
	return unmarshalAs(r.format, r.data, v)
}

// Bytes returns the payload serialized in the requested format, transcoding
// if necessary.
func (r Raw) Bytes(format Format) ([]byte, error) {
	if r.IsZero() {
		return nil, nil
	}
	if r.format == format {
		return r.data, nil
	}
	return transcode(r.data, r.format, format)
}

// MarshalJSON implements json.Marshaler.
func (r Raw) MarshalJSON() ([]byte, error) {
	if r.IsZero() {
		return []byte("null"), nil
	}
	return r.Bytes(FormatJSON)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Raw) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = Raw{}
		return nil
	}
	r.format = FormatJSON
	r.data = append([]byte(nil), data...)
	return nil
}

// EncodeMsgpack implements msgpack.CustomEncoder.
func (r Raw) EncodeMsgpack(enc *msgpack.Encoder) error {
	if r.IsZero() {
		return enc.EncodeNil()
	}
	data, err := r.Bytes(FormatBinary)
	if err != nil {
		return err
	}
	return enc.Encode(msgpack.RawMessage(data))
}

// DecodeMsgpack implements msgpack.CustomDecoder.
func (r *Raw) DecodeMsgpack(dec *msgpack.Decoder) error {
	var rm msgpack.RawMessage
	if err := dec.Decode(&rm); err != nil {
		return err
	}
	r.format = FormatBinary
	r.data = append([]byte(nil), rm...)
	return nil
}

func marshalAs(format Format, v any) ([]byte, error) {
	switch format {
	case FormatBinary:
		return msgpack.Marshal(v)
	case FormatJSON:
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("wire: cannot marshal as %s", format)
	}
}

func unmarshalAs(format Format, data []byte, v any) error {
	switch format {
	case FormatBinary:
		return msgpack.Unmarshal(data, v)
	case FormatJSON:
		return json.Unmarshal(data, v)
	default:
		return fmt.Errorf("wire: cannot unmarshal as %s", format)
	}
}

// transcode re-serializes data from one format into the other by round-
// tripping through a generic value. Structure is preserved; byte layout is
// whatever the target serializer produces.
func transcode(data []byte, from, to Format) ([]byte, error) {
	var v any
	if err := unmarshalAs(from, data, &v); err != nil {
		return nil, fmt.Errorf("wire: transcoding from %s: %w", from, err)
	}
	out, err := marshalAs(to, v)
	if err != nil {
		return nil, fmt.Errorf("wire: transcoding to %s: %w", to, err)
	}
	return out, nil
}
