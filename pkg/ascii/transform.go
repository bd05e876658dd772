package ascii

import (
	"bytes"
	"image/color"
	"image/jpeg"

	"github.com/pkg/errors"

	"github.com/vterm/masp/pkg/camera"
)

// glyphs is the darkest-to-lightest ASCII ramp a luma byte is mapped into.
var glyphs = [...]byte{'@', '#', '0', 'O', '*', ';', ':', '.', ',', '\'', ' '}

// FrameWidth and FrameHeight are the fixed ASCII-frame dimensions every
// transform produces, regardless of the source resolution.
const (
	FrameWidth  = 192
	FrameHeight = 54
)

// Transform converts one raw camera.Frame into its ASCII representation,
// dispatching on pixel format. YUYV/YUV444/YUV420 go through the
// block-average luma downscale; MJPEG is decoded by the standard image
// library and then resized by nearest-neighbour sampling.
func Transform(f camera.Frame) (string, error) {
	switch f.Format {
	case camera.YUYV, camera.YUV444, camera.YUV420:
		return yuvToASCII(f.Data, f.Width, f.Height)
	case camera.MJPEG:
		return jpegToASCII(f.Data)
	default:
		return "", errors.Wrapf(ErrUnsupportedPixelFormat, "format %s", f.Format)
	}
}

// yuvToASCII extracts the luma plane from a packed or planar YUV buffer,
// downscales it to the fixed frame resolution by block-averaging, and maps
// it to glyphs. The buffer's pixel layout (4:4:4, 4:2:0, or 4:2:2) is
// inferred from its length relative to width*height, since none of the
// three carries an explicit format tag of its own.
func yuvToASCII(yuv []byte, width, height int) (string, error) {
	n := width * height
	var luma []byte

	switch len(yuv) {
	case n * 3, n * 3 / 2: // 4:4:4, 4:2:0: luma plane is the first w*h bytes
		luma = yuv[:n]
	case n * 2: // 4:2:2 packed YUYV: Y0 U Y1 V per 4-byte group
		luma = make([]byte, 0, n)
		for i := 0; i+3 < len(yuv); i += 4 {
			luma = append(luma, yuv[i], yuv[i+2])
		}
	default:
		return "", errors.Wrapf(ErrUnsupportedYUVSize, "%d bytes for %dx%d", len(yuv), width, height)
	}

	downscaled := blockAverage(luma, width, height, FrameWidth, FrameHeight)
	return buildFromGrayscale(downscaled, FrameWidth), nil
}

// jpegToASCII decodes an MJPEG frame, converts it to grayscale, resizes it
// to the fixed frame resolution with nearest-neighbour sampling, and maps it
// to glyphs.
func jpegToASCII(data []byte) (string, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return "", errors.Wrap(err, "decode mjpeg frame")
	}
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	gray := make([]byte, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			g := color.GrayModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray)
			gray[y*width+x] = g.Y
		}
	}

	resized := nearestResize(gray, width, height, FrameWidth, FrameHeight)
	return buildFromGrayscale(resized, FrameWidth), nil
}

// buildFromGrayscale maps each luma byte to a glyph, inserting a newline
// after every row of width glyphs.
func buildFromGrayscale(gray []byte, width int) string {
	out := make([]byte, 0, len(gray)+len(gray)/width)
	for i, g := range gray {
		idx := int(g) * (len(glyphs) - 1) / 255
		out = append(out, glyphs[idx])
		if (i+1)%width == 0 {
			out = append(out, '\n')
		}
	}
	return string(out)
}

// blockAverage downscales a width x height luma plane to newWidth x
// newHeight by averaging each source block. Block dimensions are derived by
// simple integer division, so when the source dimensions don't divide
// evenly the leftover right-hand columns and bottom rows are not sampled.
func blockAverage(gray []byte, width, height, newWidth, newHeight int) []byte {
	if newWidth <= 0 || newHeight <= 0 || width < newWidth || height < newHeight {
		return gray
	}
	blockWidth := width / newWidth
	blockHeight := height / newHeight

	out := make([]byte, 0, newWidth*newHeight)
	for y := 0; y < newHeight; y++ {
		for x := 0; x < newWidth; x++ {
			var sum, count int
			for by := 0; by < blockHeight; by++ {
				for bx := 0; bx < blockWidth; bx++ {
					origX := x*blockWidth + bx
					origY := y*blockHeight + by
					sum += int(gray[origY*width+origX])
					count++
				}
			}
			out = append(out, byte(sum/count))
		}
	}
	return out
}

// nearestResize downscales a width x height luma plane to newWidth x
// newHeight by nearest-neighbour sampling, used for the decoder-driven
// resize of JPEG frames.
func nearestResize(gray []byte, width, height, newWidth, newHeight int) []byte {
	out := make([]byte, newWidth*newHeight)
	for y := 0; y < newHeight; y++ {
		srcY := y * height / newHeight
		for x := 0; x < newWidth; x++ {
			srcX := x * width / newWidth
			out[y*newWidth+x] = gray[srcY*width+srcX]
		}
	}
	return out
}
