// Package hashcore implements the proof-of-work primitives shared by
// every kernel: SHA-256 midstate precomputation over a block header's
// first 64 bytes, full double-SHA-256 verification, and little-endian
// target comparison.
package hashcore

import (
	"crypto/sha256"
	"encoding/binary"
)

// HeaderLen is the size in bytes of a Bitcoin block header.
const HeaderLen = 80

// MidstateLen is the size in bytes of a SHA-256 midstate (8 x uint32).
const MidstateLen = 32

// sha256 initial hash values, per FIPS 180-4.
var iv = [8]uint32{
	0x6a09e667, 0xbb67ae85, 0x3c6ef372, 0xa54ff53a,
	0x510e527f, 0x9b05688c, 0x1f83d9ab, 0x5be0cd19,
}

// Midstate computes the SHA-256 compression function over the first
// 64-byte block of a Bitcoin header (header[:64]), without finalization
// padding, and returns the resulting internal state as 8 little-endian
// uint32 words packed into 32 bytes. This spares a kernel from having to
// recompute the first block's work for every nonce it tries, since only
// header[64:80] (timestamp, bits, nonce) varies per attempt.
func Midstate(header0_63 []byte) [MidstateLen]byte {
	if len(header0_63) != 64 {
		panic("hashcore: Midstate requires exactly 64 bytes")
	}

	state := iv
	var block [64]byte
	copy(block[:], header0_63)
	sha256Block(&state, &block)

	var out [MidstateLen]byte
	for i, w := range state {
		binary.LittleEndian.PutUint32(out[i*4:i*4+4], w)
	}
	return out
}

// sha256Block runs the SHA-256 compression function on a single 64-byte
// message block, updating state in place. It is the same transform
// crypto/sha256 performs internally, exposed here because the standard
// library does not let callers observe the intermediate state.
func sha256Block(state *[8]uint32, block *[64]byte) {
	var w [64]uint32
	for i := 0; i < 16; i++ {
		w[i] = binary.BigEndian.Uint32(block[i*4 : i*4+4])
	}
	for i := 16; i < 64; i++ {
		v15 := w[i-15]
		s0 := rotr(v15, 7) ^ rotr(v15, 18) ^ (v15 >> 3)
		v2 := w[i-2]
		s1 := rotr(v2, 17) ^ rotr(v2, 19) ^ (v2 >> 10)
		w[i] = w[i-16] + s0 + w[i-7] + s1
	}

	a, b, c, d, e, f, g, h := state[0], state[1], state[2], state[3],
		state[4], state[5], state[6], state[7]

	for i := 0; i < 64; i++ {
		s1 := rotr(e, 6) ^ rotr(e, 11) ^ rotr(e, 25)
		ch := (e & f) ^ (^e & g)
		t1 := h + s1 + ch + k256[i] + w[i]
		s0 := rotr(a, 2) ^ rotr(a, 13) ^ rotr(a, 22)
		maj := (a & b) ^ (a & c) ^ (b & c)
		t2 := s0 + maj

		h, g, f = g, f, e
		e = d + t1
		d, c, b = c, b, a
		a = t1 + t2
	}

	state[0] += a
	state[1] += b
	state[2] += c
	state[3] += d
	state[4] += e
	state[5] += f
	state[6] += g
	state[7] += h
}

func rotr(x uint32, n uint) uint32 {
	return (x >> n) | (x << (32 - n))
}

var k256 = [64]uint32{
	0x428a2f98, 0x71374491, 0xb5c0fbcf, 0xe9b5dba5,
	0x3956c25b, 0x59f111f1, 0x923f82a4, 0xab1c5ed5,
	0xd807aa98, 0x12835b01, 0x243185be, 0x550c7dc3,
	0x72be5d74, 0x80deb1fe, 0x9bdc06a7, 0xc19bf174,
	0xe49b69c1, 0xefbe4786, 0x0fc19dc6, 0x240ca1cc,
	0x2de92c6f, 0x4a7484aa, 0x5cb0a9dc, 0x76f988da,
	0x983e5152, 0xa831c66d, 0xb00327c8, 0xbf597fc7,
	0xc6e00bf3, 0xd5a79147, 0x06ca6351, 0x14292967,
	0x27b70a85, 0x2e1b2138, 0x4d2c6dfc, 0x53380d13,
	0x650a7354, 0x766a0abb, 0x81c2c92e, 0x92722c85,
	0xa2bfe8a1, 0xa81a664b, 0xc24b8b70, 0xc76c51a3,
	0xd192e819, 0xd6990624, 0xf40e3585, 0x106aa070,
	0x19a4c116, 0x1e376c08, 0x2748774c, 0x34b0bcb5,
	0x391c0cb3, 0x4ed8aa4a, 0x5b9cca4f, 0x682e6ff3,
	0x748f82ee, 0x78a5636f, 0x84c87814, 0x8cc70208,
	0x90befffa, 0xa4506ceb, 0xbef9a3f7, 0xc67178f2,
}

// Hash reconstructs the 80-byte header for nonce/timestamp and returns
// SHA-256(SHA-256(header)) — the standard Bitcoin double hash. header is
// the 80-byte template (timestamp stored big-endian, per
// work.WorkUnit.Timestamp); nonce replaces header[76:80] little-endian.
// timestamp of -1 means "use the header's own timestamp"; either way,
// header[68:72] is converted to little-endian before hashing, since the
// inner hash buffer takes the timestamp little-endian regardless of how
// it is stored on the WorkUnit.
func Hash(header [HeaderLen]byte, nonce uint32, timestamp int64) [32]byte {
	h := header
	ts := uint32(timestamp)
	if timestamp < 0 {
		ts = binary.BigEndian.Uint32(h[68:72])
	}
	binary.LittleEndian.PutUint32(h[68:72], ts)
	binary.LittleEndian.PutUint32(h[76:80], nonce)

	first := sha256.Sum256(h[:])
	return sha256.Sum256(first[:])
}

// MeetsTarget reports whether hash <= target, where both are 256-bit
// little-endian integers (the Bitcoin convention). Comparison proceeds
// from the most-significant byte (the end of the slice) toward the
// least-significant; the first strict inequality decides, and an
// all-equal comparison counts as "meets".
func MeetsTarget(hash, target [32]byte) bool {
	for i := 31; i >= 0; i-- {
		switch {
		case hash[i] < target[i]:
			return true
		case hash[i] > target[i]:
			return false
		}
	}
	return true
}
