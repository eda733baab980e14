package protocol

import (
	"testing"

	"github.com/weftlabs/weft/pkg/wire"
)

func TestDecodePayload(t *testing.T) {
	t.Parallel()

	for _, format := range []wire.Format{wire.FormatBinary, wire.FormatJSON} {
		t.Run(format.String(), func(t *testing.T) {
			t.Parallel()

			payload, err := wire.NewRaw(format, &AnnouncePayload{
				Device: Device{ID: "dev-1", Type: "desktop", Hostname: "weft-desktop-dev-1"},
			})
			if err != nil {
				t.Fatalf("NewRaw: %v", err)
			}
			msg := &MeshMessage{Type: MsgDeviceAnnounce, From: "dev-1", Payload: payload}

			// Round-trip the whole message through an envelope payload, the way
			// it travels on the wire.
			raw, err := wire.NewRaw(format, msg)
			if err != nil {
				t.Fatalf("NewRaw(message): %v", err)
			}
			var decoded MeshMessage
			if err := raw.Decode(&decoded); err != nil {
				t.Fatalf("Decode(message): %v", err)
			}

			v, err := DecodePayload(&decoded)
			if err != nil {
				t.Fatalf("DecodePayload: %v", err)
			}
			ann, ok := v.(*AnnouncePayload)
			if !ok {
				t.Fatalf("payload type = %T, want *AnnouncePayload", v)
			}
			if ann.Device.ID != "dev-1" || ann.Device.Hostname != "weft-desktop-dev-1" {
				t.Errorf("decoded device = %+v", ann.Device)
			}
		})
	}
}

func TestDecodePayloadRejectsUnknownType(t *testing.T) {
	t.Parallel()

	msg := &MeshMessage{Type: "device:selfdestruct", From: "dev-1"}
	if _, err := DecodePayload(msg); err == nil {
		t.Fatal("DecodePayload accepted unknown message type")
	}
}

func TestDecodePayloadNoPayloadMessages(t *testing.T) {
	t.Parallel()

	v, err := DecodePayload(&MeshMessage{Type: MsgElectionStart, From: "dev-1"})
	if err != nil {
		t.Fatalf("DecodePayload(election:start): %v", err)
	}
	if v != nil {
		t.Errorf("payload = %v, want nil", v)
	}

	// Typed messages without their payload are rejected.
	if _, err := DecodePayload(&MeshMessage{Type: MsgDeviceAnnounce, From: "dev-1"}); err == nil {
		t.Fatal("DecodePayload accepted announce without payload")
	}
}
