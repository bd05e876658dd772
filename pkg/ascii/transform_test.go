package ascii

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vterm/masp/pkg/camera"
)

func TestYUVToASCIIRejectsUnsupportedSize(t *testing.T) {
	_, err := yuvToASCII(make([]byte, 7), 4, 4)
	assert.ErrorIs(t, err, ErrUnsupportedYUVSize)
}

// TestYUVSizeDiscriminatorBoundary exercises the three accepted buffer
// sizes for a 320x180 frame (4:2:0, 4:2:2, 4:4:4) and a handful of
// neighboring sizes that must be rejected.
func TestYUVSizeDiscriminatorBoundary(t *testing.T) {
	const width, height = 320, 180
	n := width * height

	accepted := []int{n * 3 / 2, n * 2, n * 3} // 86400, 115200, 172800
	for _, size := range accepted {
		_, err := yuvToASCII(make([]byte, size), width, height)
		assert.NoErrorf(t, err, "size %d should be accepted", size)
	}

	rejected := []int{n, n*3/2 - 1, n*2 + 1, n*3 + 1, 0}
	for _, size := range rejected {
		_, err := yuvToASCII(make([]byte, size), width, height)
		assert.ErrorIsf(t, err, ErrUnsupportedYUVSize, "size %d should be rejected", size)
	}
}

func TestYUVToASCIIProducesFixedDimensions(t *testing.T) {
	width, height := 384, 108 // exactly 2x the fixed frame resolution
	data := make([]byte, width*height*3)
	for i := range data {
		data[i] = byte(i % 256)
	}
	out, err := yuvToASCII(data, width, height)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	assert.Len(t, lines, FrameHeight)
	for _, line := range lines {
		assert.Len(t, line, FrameWidth)
	}
}

func TestYUV422PacksLumaFromEvenOffsets(t *testing.T) {
	width, height := 4, 2
	yuv := make([]byte, width*height*2)
	for i := 0; i < len(yuv); i += 4 {
		yuv[i] = 255   // Y0
		yuv[i+2] = 255 // Y1
	}
	out, err := yuvToASCII(yuv, width, height)
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestTransformDispatchesByFormat(t *testing.T) {
	frame := camera.Frame{Width: 192, Height: 54, Format: camera.YUV444, Data: make([]byte, 192*54*3)}
	out, err := Transform(frame)
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestTransformRejectsUnknownFormat(t *testing.T) {
	frame := camera.Frame{Width: 1, Height: 1, Format: camera.PixelFormat(99)}
	_, err := Transform(frame)
	assert.ErrorIs(t, err, ErrUnsupportedPixelFormat)
}

func TestJPEGToASCIIProducesFixedDimensions(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 320, 240))
	for y := 0; y < 240; y++ {
		for x := 0; x < 320; x++ {
			img.SetGray(x, y, color.Gray{Y: byte((x + y) % 256)})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))

	out, err := jpegToASCII(buf.Bytes())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	assert.Len(t, lines, FrameHeight)
}

func TestBuildFromGrayscaleMapsExtremes(t *testing.T) {
	out := buildFromGrayscale([]byte{0, 255}, 2)
	assert.Equal(t, string(glyphs[0])+string(glyphs[len(glyphs)-1])+"\n", out)
}

func TestBlockAverage(t *testing.T) {
	// 4x4 grid of four 2x2 blocks with distinct uniform values.
	gray := []byte{
		0, 0, 10, 10,
		0, 0, 10, 10,
		20, 20, 30, 30,
		20, 20, 30, 30,
	}
	out := blockAverage(gray, 4, 4, 2, 2)
	assert.Equal(t, []byte{0, 10, 20, 30}, out)
}
