package hashcore

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"testing"
)

// fixtureHeader is an arbitrary, but fixed, 80-byte block header used
// across the tests below so results are reproducible.
func fixtureHeader() [HeaderLen]byte {
	var h [HeaderLen]byte
	for i := range h {
		h[i] = byte(i * 7 % 251)
	}
	return h
}

func TestMidstateMatchesContinuedCompression(t *testing.T) {
	header := fixtureHeader()

	// Continue compressing the header's second 16-byte tail plus
	// standard SHA-256 padding as a second 64-byte block, starting from
	// our midstate, and compare against the stdlib's hash of the same
	// 80-byte message. If Midstate is a faithful first-block compression,
	// the two must agree.
	ms := Midstate(header[:64])

	var state [8]uint32
	for i := 0; i < 8; i++ {
		state[i] = binary.LittleEndian.Uint32(ms[i*4 : i*4+4])
	}

	// Build the padded second block by hand: 16 remaining header bytes +
	// 0x80 + zeros + 64-bit big-endian bit length (80 bytes = 640 bits).
	var block2 [64]byte
	copy(block2[:16], header[64:80])
	block2[16] = 0x80
	binary.BigEndian.PutUint64(block2[56:64], uint64(HeaderLen)*8)

	sha256Block(&state, &block2)

	var got [32]byte
	for i, w := range state {
		binary.BigEndian.PutUint32(got[i*4:i*4+4], w)
	}

	want := sha256.Sum256(header[:])
	if got != want {
		t.Fatalf("midstate + continued compression = %x, want %x", got, want)
	}
}

func TestMidstateIsPureFunctionOfFirst64Bytes(t *testing.T) {
	h1 := fixtureHeader()
	h2 := fixtureHeader()
	h2[70] ^= 0xFF // perturb byte 70, inside the second block only

	if Midstate(h1[:64]) != Midstate(h2[:64]) {
		t.Fatalf("midstate changed despite only second-block bytes differing")
	}

	h3 := fixtureHeader()
	h3[10] ^= 0xFF // perturb a first-block byte
	if Midstate(h1[:64]) == Midstate(h3[:64]) {
		t.Fatalf("midstate did not change despite a first-block byte differing")
	}
}

func TestHashMatchesDoubleSHA256(t *testing.T) {
	header := fixtureHeader()
	const nonce = uint32(0x01020304)

	got := Hash(header, nonce, -1)

	expected := header
	ts := binary.BigEndian.Uint32(expected[68:72])
	binary.LittleEndian.PutUint32(expected[68:72], ts)
	binary.LittleEndian.PutUint32(expected[76:80], nonce)
	first := sha256.Sum256(expected[:])
	want := sha256.Sum256(first[:])

	if got != want {
		t.Fatalf("Hash mismatch with nonce baked into header: got %x want %x", got, want)
	}
}

func TestHashUsesOverrideTimestampAndNonce(t *testing.T) {
	header := fixtureHeader()

	const ts = int64(1700000000)
	const nonce = uint32(0xdeadbeef)

	got := Hash(header, nonce, ts)

	expected := header
	binary.LittleEndian.PutUint32(expected[68:72], uint32(ts))
	binary.LittleEndian.PutUint32(expected[76:80], nonce)
	first := sha256.Sum256(expected[:])
	want := sha256.Sum256(first[:])

	if got != want {
		t.Fatalf("Hash with overrides = %x, want %x", got, want)
	}
}

func TestMeetsTargetEqualityAndMonotonicity(t *testing.T) {
	var h [32]byte
	for i := range h {
		h[i] = byte(i)
	}

	if !MeetsTarget(h, h) {
		t.Fatalf("MeetsTarget(h, h) should always be true")
	}

	low := h
	high := h
	high[31]++ // most-significant byte, little-endian 256-bit integer

	if !MeetsTarget(low, high) {
		t.Fatalf("hash should meet a larger target")
	}
	if MeetsTarget(high, low) {
		t.Fatalf("larger hash should not meet a smaller target")
	}
}

func TestMeetsTargetByteWiseFromMostSignificantEnd(t *testing.T) {
	var hash, target [32]byte
	// hash is smaller at the most-significant byte (31) but larger at the
	// least-significant byte (0); the more-significant byte must decide.
	target[31] = 0x05
	hash[31] = 0x04
	hash[0] = 0xFF // would fail if compared least-significant-first
	if !MeetsTarget(hash, target) {
		t.Fatalf("expected most-significant byte to decide MeetsTarget")
	}
}

func TestMidstateLengthPanicsOnWrongSize(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on wrong-sized input")
		}
	}()
	Midstate(bytes.Repeat([]byte{0}, 63))
}
