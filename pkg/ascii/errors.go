package ascii

import "github.com/pkg/errors"

// Transform errors. Kept in this package rather than pkg/masp to avoid an
// import cycle: pkg/masp's receiver depends on this package to decompress
// video payloads, so this package cannot depend back on pkg/masp.
var (
	ErrUnsupportedPixelFormat = errors.New("unsupported pixel format")
	ErrUnsupportedYUVSize     = errors.New("unsupported yuv buffer size")
)
