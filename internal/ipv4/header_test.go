package ipv4

import (
	"testing"

	"rtnet/internal/errcode"
)

func TestBuildThenParseRoundTrip(t *testing.T) {
	h := Header{TotalLen: 20, ID: 42, TTL: 64, Protocol: 17, Src: 0x0a000001, Dst: 0x0a000002}
	buf := BuildHeader(h)

	got, err := ParseHeader(buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.ID != h.ID || got.Src != h.Src || got.Dst != h.Dst || got.Protocol != h.Protocol {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, h)
	}
	if got.IHL != 5 || got.Version != 4 {
		t.Fatalf("unexpected ihl/version: %+v", got)
	}
}

func TestParseRejectsBadChecksum(t *testing.T) {
	h := Header{TotalLen: 20, TTL: 64, Protocol: 17}
	buf := BuildHeader(h)
	buf[10] ^= 0xff // corrupt checksum byte

	if _, err := ParseHeader(buf); errcode.Of(err) != errcode.BadPayload {
		t.Fatalf("expected BadPayload for corrupted checksum, got %v", err)
	}
}

func TestParseRejectsShortBuffer(t *testing.T) {
	if _, err := ParseHeader(make([]byte, 10)); errcode.Of(err) != errcode.BadPayload {
		t.Fatalf("expected BadPayload for short buffer, got %v", err)
	}
}

func TestParseRejectsBadVersion(t *testing.T) {
	h := Header{TotalLen: 20, TTL: 64}
	buf := BuildHeader(h)
	buf[0] = (6 << 4) | 5 // version 6
	binaryFixChecksum(buf)

	if _, err := ParseHeader(buf); errcode.Of(err) != errcode.BadPayload {
		t.Fatalf("expected BadPayload for bad version, got %v", err)
	}
}

func TestParseRejectsTotalLenShorterThanHeader(t *testing.T) {
	h := Header{TotalLen: 10, TTL: 64}
	buf := BuildHeader(h)

	if _, err := ParseHeader(buf); errcode.Of(err) != errcode.BadPayload {
		t.Fatalf("expected BadPayload for tot_len < ihl*4, got %v", err)
	}
}

func TestIsFragmentDetection(t *testing.T) {
	plain := Header{}
	if plain.IsFragment() {
		t.Fatal("plain header should not be a fragment")
	}
	mf := Header{FragOff: FlagMoreFragments}
	if !mf.IsFragment() {
		t.Fatal("MF-set header should be a fragment")
	}
	offset := Header{FragOff: 5}
	if !offset.IsFragment() {
		t.Fatal("nonzero offset header should be a fragment")
	}
}

// binaryFixChecksum recomputes and writes the checksum field after a
// test has mutated other header bytes, so only the field under test is
// wrong.
func binaryFixChecksum(buf []byte) {
	buf[10] = 0
	buf[11] = 0
	c := Checksum(buf)
	buf[10] = byte(c >> 8)
	buf[11] = byte(c)
}
