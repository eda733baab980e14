package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame layout: 4-byte big-endian payload length, 1 flag byte, payload.
//
// Flag bits (LSB first): bit 0 = compressed, bits 1-2 = format
// (00 binary, 01 JSON, 10/11 reserved), bits 3-7 reserved and must be zero.
const (
	headerSize = 5

	// MaxFrameSize is the largest accepted payload length (16 MiB).
	MaxFrameSize = 16 << 20

	flagCompressed  = 0x01
	formatShift     = 1
	formatMask      = 0x03
	reservedBitMask = 0xF8
)

var (
	// ErrMessageTooLarge is returned for frames whose payload exceeds
	// MaxFrameSize, on both the encode and decode paths.
	ErrMessageTooLarge = errors.New("wire: message too large")

	// ErrCompressedFrame is returned when a compressed frame arrives and no
	// decompressor is configured. The synchronous decode path stays
	// allocation-free for LAN deployments that never compress.
	ErrCompressedFrame = errors.New("wire: compressed frame requires configured decompressor")

	// ErrInvalidFrame is returned for reserved flag bits or reserved format
	// values.
	ErrInvalidFrame = errors.New("wire: invalid frame flags")
)

// Codec encodes envelopes into frames. The zero value encodes msgpack frames
// without compression.
type Codec struct {
	// Format selects the serialization for outgoing frames.
	Format Format

	// Compressor, when set, compresses payloads larger than
	// CompressThreshold. Nil disables compression entirely.
	Compressor Compressor

	// CompressThreshold is the serialized size in bytes above which payloads
	// are compressed. Zero or negative disables compression even when a
	// Compressor is set.
	CompressThreshold int
}

// Encode serializes the whole envelope into a single frame.
func (c Codec) Encode(env *Envelope) ([]byte, error) {
	if env.Namespace == "" || env.Type == "" {
		return nil, ErrInvalidEnvelope
	}

	payload, err := marshalAs(c.Format, env)
	if err != nil {
		return nil, fmt.Errorf("wire: encoding envelope: %w", err)
	}

	flags := byte(c.Format&formatMask) << formatShift
	if c.Compressor != nil && c.CompressThreshold > 0 && len(payload) > c.CompressThreshold {
		compressed, err := c.Compressor.Compress(payload)
		if err != nil {
			return nil, fmt.Errorf("wire: compressing payload: %w", err)
		}
		payload = compressed
		flags |= flagCompressed
	}

	if len(payload) > MaxFrameSize {
		return nil, ErrMessageTooLarge
	}

	frame := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	frame[4] = flags
	copy(frame[headerSize:], payload)
	return frame, nil
}

// Decoder extracts envelopes from a growing byte buffer. The caller feeds
// whatever bytes have arrived and advances its buffer by the consumed count.
type Decoder struct {
	// Decompressor, when set, inflates frames with the compressed bit.
	Decompressor Decompressor
}

// Decode attempts to extract a single envelope from the front of buf.
//
// It returns (nil, 0, nil) when buf does not yet hold a complete frame.
// On success the envelope and the number of bytes consumed are returned;
// Decode never consumes more bytes than it reports.
func (d Decoder) Decode(buf []byte) (*Envelope, int, error) {
	if len(buf) < headerSize {
		return nil, 0, nil
	}

	payloadLen := int(binary.BigEndian.Uint32(buf[:4]))
	if payloadLen > MaxFrameSize {
		return nil, 0, ErrMessageTooLarge
	}

	flags := buf[4]
	if flags&reservedBitMask != 0 {
		return nil, 0, ErrInvalidFrame
	}
	format := Format(flags >> formatShift & formatMask)
	if format != FormatBinary && format != FormatJSON {
		return nil, 0, ErrInvalidFrame
	}

	total := headerSize + payloadLen
	if len(buf) < total {
		return nil, 0, nil
	}

	payload := buf[headerSize:total]
	if flags&flagCompressed != 0 {
		if d.Decompressor == nil {
			return nil, 0, ErrCompressedFrame
		}
		inflated, err := d.Decompressor.Decompress(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("wire: decompressing payload: %w", err)
		}
		payload = inflated
	}

	var env Envelope
	if err := unmarshalAs(format, payload, &env); err != nil {
		return nil, 0, fmt.Errorf("wire: decoding envelope: %w", err)
	}
	if env.Namespace == "" || env.Type == "" {
		return nil, 0, ErrInvalidEnvelope
	}
	return &env, total, nil
}

// DecodeAll drains every complete frame from buf, returning the decoded
// envelopes in order and the total byte count consumed. A partial trailing
// frame is left for the caller to retry once more bytes arrive.
func (d Decoder) DecodeAll(buf []byte) ([]*Envelope, int, error) {
	var (
		envs     []*Envelope
		consumed int
	)
	for {
		env, n, err := d.Decode(buf[consumed:])
		if err != nil {
			return envs, consumed, err
		}
		if env == nil {
			return envs, consumed, nil
		}
		envs = append(envs, env)
		consumed += n
	}
}
