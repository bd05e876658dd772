// Package ascii implements the ASCII-frame format: mapping luma samples to
// glyphs, resizing raw camera buffers to the fixed frame resolution, and the
// run-length codec used to compress a frame before it's sent as a VideoData
// payload.
package ascii

// Compress run-length-encodes s into (glyph, run-length) byte pairs. Runs
// longer than 255 are split across multiple pairs since run_length must fit
// a single byte; newlines participate as ordinary glyphs.
func Compress(s string) []byte {
	b := []byte(s)
	out := make([]byte, 0, len(b)*2)
	i := 0
	for i < len(b) {
		glyph := b[i]
		run := 1
		for i+run < len(b) && b[i+run] == glyph && run < 255 {
			run++
		}
		out = append(out, glyph, byte(run))
		i += run
	}
	return out
}

// Decompress inverts Compress, expanding (glyph, run-length) byte pairs back
// into the original string.
func Decompress(payload []byte) string {
	out := make([]byte, 0, len(payload))
	for i := 0; i+1 < len(payload); i += 2 {
		glyph := payload[i]
		run := int(payload[i+1])
		for j := 0; j < run; j++ {
			out = append(out, glyph)
		}
	}
	return string(out)
}
