package wire

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestNumbersRoundTrip(t *testing.T) {
	var buf []byte
	buf = AppendU8(buf, 0x12)
	buf = AppendU16(buf, 0x1234)
	buf = AppendU32(buf, 0x12345678)
	buf = AppendU64(buf, 0x123456789ABCDEF0)

	if !bytes.Equal(buf[1:3], []byte{0x12, 0x34}) {
		t.Errorf("u16 not big-endian: %x", buf[1:3])
	}

	rd := NewReader(buf)
	if v, err := rd.U8(); err != nil || v != 0x12 {
		t.Errorf("u8: got %#x, %v", v, err)
	}
	if v, err := rd.U16(); err != nil || v != 0x1234 {
		t.Errorf("u16: got %#x, %v", v, err)
	}
	if v, err := rd.U32(); err != nil || v != 0x12345678 {
		t.Errorf("u32: got %#x, %v", v, err)
	}
	if v, err := rd.U64(); err != nil || v != 0x123456789ABCDEF0 {
		t.Errorf("u64: got %#x, %v", v, err)
	}
	if rd.Len() != 0 {
		t.Errorf("expected empty reader, %d left", rd.Len())
	}
	if _, err := rd.U8(); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("expected short buffer, got %v", err)
	}
}

func TestVecRoundTrip(t *testing.T) {
	for _, c := range [][]byte{nil, {}, {1}, bytes.Repeat([]byte{0xAB}, 300)} {
		buf, err := AppendVec(nil, c)
		if err != nil {
			t.Fatalf("append vec: %v", err)
		}
		if len(buf) != 2+len(c) {
			t.Errorf("vec of %d encoded to %d bytes", len(c), len(buf))
		}
		v, err := NewReader(buf).Vec()
		if err != nil {
			t.Fatalf("parse vec: %v", err)
		}
		if !bytes.Equal(v, c) {
			t.Errorf("vec mismatch: %x != %x", v, c)
		}
	}

	if _, err := AppendVec(nil, make([]byte, 0x10000)); !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected too-large, got %v", err)
	}
}

func TestTimestampFixedWidth(t *testing.T) {
	for _, c := range []time.Time{
		time.Date(1993, 6, 9, 21, 34, 22, 0, time.UTC),
		time.Now().UTC().Truncate(time.Second),
		time.Date(2038, 1, 19, 3, 14, 7, 0, time.FixedZone("", 2*3600)),
	} {
		buf := AppendTimestamp(nil, c)
		if len(buf) != TimestampSize {
			t.Fatalf("timestamp %v encoded to %d bytes: %q", c, len(buf), buf)
		}
		got, err := NewReader(buf).Timestamp()
		if err != nil {
			t.Fatalf("parse timestamp %q: %v", buf, err)
		}
		if !got.Equal(c) {
			t.Errorf("timestamp mismatch: %v != %v", got, c)
		}
	}
}

func TestCString(t *testing.T) {
	buf := AppendCString(nil, "ratmand")
	buf = AppendCString(buf, "")
	rd := NewReader(buf)
	if s, err := rd.CString(); err != nil || s != "ratmand" {
		t.Errorf("cstring: got %q, %v", s, err)
	}
	if s, err := rd.CString(); err != nil || s != "" {
		t.Errorf("empty cstring: got %q, %v", s, err)
	}
	if _, err := NewReader([]byte("no-nul")).CString(); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("expected short buffer for unterminated cstring, got %v", err)
	}
}
