package frame

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/irdest/ratman/pkg/types"
)

func TestCarrierHeaderRoundTrip(t *testing.T) {
	sender := types.RandomIdent()
	target := types.TargetOf(types.RandomIdent())
	ns := types.NamespaceOf(types.RandomIdent())
	seq := types.SequenceID{Hash: types.RandomIdent(), Num: 2, Max: 9}

	for _, c := range []CarrierHeader{
		{Version: VersionV1, Modes: ModeAnnounce, Sender: sender},
		{Version: VersionV1, Modes: ModeData, Sender: sender, Recipient: &target, SeqID: &seq, PayloadLength: 512},
		{Version: VersionV1, Modes: ModeData, Sender: sender, Recipient: &ns, SeqID: &seq, PayloadLength: 1},
		{Version: VersionV1, Modes: ModeManifest, Sender: sender, Recipient: &target, SeqID: &seq, PayloadLength: 100},
		{Version: VersionV1, Modes: MakeModes(0x7F, 0x7F), Sender: sender},
	} {
		buf := c.Append(nil)
		if len(buf) != c.Size() {
			t.Errorf("header size mismatch: encoded %d, Size() says %d", len(buf), c.Size())
		}
		buf = append(buf, make([]byte, c.PayloadLength)...)

		h, rest, err := ParseCarrierHeader(buf)
		if err != nil {
			t.Fatalf("parse header: %v", err)
		}
		if len(rest) != int(c.PayloadLength) {
			t.Errorf("remainder is %d bytes, want %d", len(rest), c.PayloadLength)
		}
		if h.Version != c.Version || h.Modes != c.Modes || h.Sender != c.Sender || h.PayloadLength != c.PayloadLength {
			t.Errorf("header mismatch: %+v != %+v", h, c)
		}
		switch {
		case (h.Recipient == nil) != (c.Recipient == nil):
			t.Errorf("recipient presence mismatch")
		case h.Recipient != nil && *h.Recipient != *c.Recipient:
			t.Errorf("recipient mismatch: %v != %v", h.Recipient, c.Recipient)
		}
		switch {
		case (h.SeqID == nil) != (c.SeqID == nil):
			t.Errorf("sequence id presence mismatch")
		case h.SeqID != nil && *h.SeqID != *c.SeqID:
			t.Errorf("sequence id mismatch: %v != %v", h.SeqID, c.SeqID)
		}
	}
}

func TestCarrierHeaderRejects(t *testing.T) {
	sender := types.RandomIdent()
	h := NewAnnounceHeader(sender, 0)

	bad := h.Append(nil)
	bad[0] = 0x02
	if _, _, err := ParseCarrierHeader(bad); !errors.Is(err, types.ErrInvalidVersion) {
		t.Errorf("expected invalid version, got %v", err)
	}

	// declared payload larger than the remaining input
	h.PayloadLength = 100
	if _, _, err := ParseCarrierHeader(h.Append(nil)); !errors.Is(err, types.ErrFrameTooLarge) {
		t.Errorf("expected frame too large, got %v", err)
	}
}

func TestEnvelopePayload(t *testing.T) {
	sender := types.RandomIdent()
	to := types.TargetOf(types.RandomIdent())
	seq := types.SequenceID{Hash: types.RandomIdent(), Max: 0}
	payload := bytes.Repeat([]byte{0x5A}, 321)

	env, err := NewEnvelope(NewDataHeader(sender, to, seq, uint16(len(payload))), payload)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if !bytes.Equal(env.Payload(), payload) {
		t.Error("payload slice mismatch")
	}

	// decode from the raw buffer with trailing garbage
	got, err := ParseEnvelope(append(append([]byte{}, env.Buffer...), 0xFF, 0xFF))
	if err != nil {
		t.Fatalf("parse envelope: %v", err)
	}
	if !bytes.Equal(got.Payload(), payload) {
		t.Error("parsed payload mismatch")
	}
	if got.Header.Size() != env.Header.Size() {
		t.Error("header size mismatch after parse")
	}

	if _, err := NewEnvelope(NewDataHeader(sender, to, seq, 5), payload); err == nil {
		t.Error("expected error for length mismatch")
	}
}

func TestAnnounceRoundTrip(t *testing.T) {
	a := Announce{
		Origin: OriginData{Timestamp: time.Date(2024, 11, 5, 12, 0, 3, 0, time.UTC)},
		Route:  RouteData{MTU: 1200, SizeHint: 64},
	}
	for i := range a.OriginSignature {
		a.OriginSignature[i] = byte(i)
	}

	buf := a.Append(nil)
	if want := 1 + 25 + 64 + 2 + 2; len(buf) != want {
		t.Fatalf("announce payload is %d bytes, want %d", len(buf), want)
	}
	got, err := ParseAnnounce(buf)
	if err != nil {
		t.Fatalf("parse announce: %v", err)
	}
	if !got.Origin.Timestamp.Equal(a.Origin.Timestamp) || got.OriginSignature != a.OriginSignature || got.Route != a.Route {
		t.Errorf("announce mismatch: %+v != %+v", got, a)
	}
	if !bytes.Equal(got.SignableBytes(), a.SignableBytes()) {
		t.Error("signable bytes changed across round trip")
	}

	buf[0] = 9
	if _, err := ParseAnnounce(buf); !errors.Is(err, types.ErrInvalidVersion) {
		t.Errorf("expected invalid version, got %v", err)
	}
}

func TestManifestRoundTrip(t *testing.T) {
	m := Manifest{
		Letterhead: types.Letterhead{
			From:          types.RandomIdent(),
			To:            types.TargetOf(types.RandomIdent()),
			StreamID:      types.RandomIdent(),
			PayloadLength: 32768,
		},
		BlockSize:  32,
		BlockLevel: 1,
		RootRef:    types.RandomIdent(),
		RootKey:    types.RandomIdent(),
	}
	buf, err := m.Append(nil)
	if err != nil {
		t.Fatalf("encode manifest: %v", err)
	}
	got, err := ParseManifest(buf)
	if err != nil {
		t.Fatalf("parse manifest: %v", err)
	}
	if got.Letterhead.StreamID != m.Letterhead.StreamID || got.BlockSize != m.BlockSize ||
		got.BlockLevel != m.BlockLevel || got.RootRef != m.RootRef || got.RootKey != m.RootKey {
		t.Errorf("manifest mismatch: %+v != %+v", got, m)
	}
	if got.BlockSizeBytes() != 32768 {
		t.Errorf("block size bytes: got %d", got.BlockSizeBytes())
	}

	m.BlockSize = 7
	if _, err := m.Append(nil); err == nil {
		t.Error("expected error for invalid block size marker")
	}
}

func TestModesSplit(t *testing.T) {
	for _, c := range []struct {
		m      Modes
		ns, op uint8
	}{
		{ModeAnnounce, 0x00, 0x01},
		{ModeData, 0x00, 0x02},
		{ModeManifest, 0x00, 0x03},
		{ModeNetmodAnnounce, 0x02, 0x01},
		{ModeNetmodReply, 0x02, 0x02},
	} {
		if ns, op := c.m.Split(); ns != c.ns || op != c.op {
			t.Errorf("%v: split gave (%#x, %#x), want (%#x, %#x)", c.m, ns, op, c.ns, c.op)
		}
		if MakeModes(c.ns, c.op) != c.m {
			t.Errorf("make(%#x, %#x) != %v", c.ns, c.op, c.m)
		}
	}
}
