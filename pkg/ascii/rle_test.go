package ascii

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	frame := strings.Repeat("@", 10) + strings.Repeat(" ", 5) + "\n" + "O:;"
	compressed := Compress(frame)
	assert.Equal(t, frame, Decompress(compressed))
}

func TestCompressSplitsRunsLongerThan255(t *testing.T) {
	frame := strings.Repeat("#", 300)
	compressed := Compress(frame)
	// 255 + 45 => two (glyph, run) pairs, 4 bytes total.
	assert.Len(t, compressed, 4)
	assert.Equal(t, byte(255), compressed[1])
	assert.Equal(t, byte(45), compressed[3])
	assert.Equal(t, frame, Decompress(compressed))
}

func TestCompressEmptyString(t *testing.T) {
	assert.Empty(t, Compress(""))
	assert.Empty(t, Decompress(nil))
}

// TestCompressRoundTripsOverBoundedRunLengths is a property-style check:
// for a range of run lengths straddling the 255-byte split point, compress
// followed by decompress always recovers the original string.
func TestCompressRoundTripsOverBoundedRunLengths(t *testing.T) {
	glyphs := []byte{'@', ' ', '.', '\n'}
	for _, run := range []int{1, 2, 254, 255, 256, 257, 510, 512} {
		for _, g := range glyphs {
			frame := strings.Repeat(string(g), run)
			got := Decompress(Compress(frame))
			assert.Equalf(t, frame, got, "run=%d glyph=%q", run, g)
		}
	}
}

func TestDecompressIgnoresTrailingOddByte(t *testing.T) {
	// A malformed payload with a dangling glyph byte and no run length is
	// truncated rather than panicking.
	payload := []byte{'@', 3, 'x'}
	assert.Equal(t, "@@@", Decompress(payload))
}
