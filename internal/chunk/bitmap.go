package chunk

import (
	"fmt"
	"math/bits"
)

// Bitmap holds one bit per chunk number in 1..Len().
type Bitmap struct {
	words []uint64
	n     int
}

// NewBitmap returns an empty bitmap for n chunks.
func NewBitmap(n int) Bitmap {
	return Bitmap{words: make([]uint64, (n+63)/64), n: n}
}

// BitmapFromBytes decodes the little-endian form produced by Bytes.
func BitmapFromBytes(n int, b []byte) (Bitmap, error) {
	bm := NewBitmap(n)
	if want := (n + 7) / 8; len(b) != want {
		return Bitmap{}, fmt.Errorf("bitmap for %d chunks needs %d bytes, got %d", n, want, len(b))
	}
	for i, v := range b {
		bm.words[i/8] |= uint64(v) << (8 * (i % 8))
	}
	return bm, nil
}

// Len is the number of chunks the bitmap covers.
func (b Bitmap) Len() int { return b.n }

// Has reports whether chunk number is set. Out-of-range numbers are never set.
func (b Bitmap) Has(number int) bool {
	if number < 1 || number > b.n {
		return false
	}
	i := number - 1
	return b.words[i/64]&(1<<(i%64)) != 0
}

// Set marks chunk number. It reports whether the bit changed.
func (b Bitmap) Set(number int) bool {
	if number < 1 || number > b.n || b.Has(number) {
		return false
	}
	i := number - 1
	b.words[i/64] |= 1 << (i % 64)
	return true
}

// Clear unmarks chunk number. It reports whether the bit changed.
func (b Bitmap) Clear(number int) bool {
	if !b.Has(number) {
		return false
	}
	i := number - 1
	b.words[i/64] &^= 1 << (i % 64)
	return true
}

// Count returns the number of set chunks.
func (b Bitmap) Count() int {
	var c int
	for _, w := range b.words {
		c += bits.OnesCount64(w)
	}
	return c
}

// Numbers lists the set chunk numbers in ascending order.
func (b Bitmap) Numbers() []int {
	out := make([]int, 0, b.Count())
	for wi, w := range b.words {
		for w != 0 {
			tz := bits.TrailingZeros64(w)
			out = append(out, wi*64+tz+1)
			w &^= 1 << tz
		}
	}
	return out
}

// Bytes returns the compact little-endian encoding, one bit per chunk.
func (b Bitmap) Bytes() []byte {
	out := make([]byte, (b.n+7)/8)
	for i := range out {
		out[i] = byte(b.words[i/8] >> (8 * (i % 8)))
	}
	return out
}
