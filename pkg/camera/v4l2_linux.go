//go:build linux

package camera

import (
	"context"
	"os"
	"unsafe"

	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// V4L2 ioctl numbers and structure layouts this file needs. Only the
// subset required for a single memory-mapped capture stream is declared;
// see linux/videodev2.h for the full set.
const (
	v4l2BufTypeVideoCapture = 1
	v4l2MemoryMmap          = 1
	v4l2FieldNone           = 1
	v4l2PixFmtYUYV          = 0x56595559 // 'YUYV'
	v4l2PixFmtMJPEG         = 0x47504a4d // 'MJPG'

	reqBufCount = 4
)

var (
	vidiocQuerycap  = ioR(0x56, 0, 104)
	vidiocSFmt      = ioWR(0x56, 5, 208)
	vidiocReqbufs   = ioWR(0x56, 8, 20)
	vidiocQuerybuf  = ioWR(0x56, 9, 88)
	vidiocQbuf      = ioWR(0x56, 15, 88)
	vidiocDqbuf     = ioWR(0x56, 17, 88)
	vidiocStreamon  = ioW(0x56, 18, 4)
	vidiocStreamoff = ioW(0x56, 19, 4)
)

func ioC(dir, typ, nr, size uintptr) uintptr {
	const (
		none  = 0
		write = 1
		read  = 2
	)
	return (dir << 30) | (typ << 8) | nr | (size << 16)
}

func ioR(typ, nr, size uintptr) uintptr  { return ioC(2, typ, nr, size) }
func ioW(typ, nr, size uintptr) uintptr  { return ioC(1, typ, nr, size) }
func ioWR(typ, nr, size uintptr) uintptr { return ioC(3, typ, nr, size) }

// v4l2Format mirrors struct v4l2_format's v4l2_pix_format arm (the part of
// the union this capture path uses). The struct is laid out by hand to
// match the kernel ABI rather than padding it through cgo.
type v4l2Format struct {
	Type        uint32
	_           [4]byte // alignment padding before the union on amd64
	Width       uint32
	Height      uint32
	PixelFormat uint32
	Field       uint32
	BytesPerLine uint32
	SizeImage   uint32
	Colorspace  uint32
	_           [172]byte // remainder of the 200-byte fmt union after the seven fields above
}

type v4l2RequestBuffers struct {
	Count    uint32
	Type     uint32
	Memory   uint32
	reserved [2]uint32
}

type v4l2Buffer struct {
	Index     uint32
	Type      uint32
	BytesUsed uint32
	Flags     uint32
	Field     uint32
	_         [4]byte // alignment padding before the timeval on amd64
	Timestamp [16]byte
	Timecode  [16]byte
	Sequence  uint32
	Memory    uint32
	Offset    uint32  // m.offset arm of the 8-byte m union
	_         [4]byte // rest of the m union
	Length    uint32
	Reserved2 uint32
	RequestFD int32
	_         [4]byte // tail padding to the struct's 88 bytes
}

// V4L2Source captures frames from a Video4Linux2 device node (e.g.
// /dev/video0) using a memory-mapped buffer ring.
type V4L2Source struct {
	devicePath string
	width      int
	height     int
	pixelFmt   uint32
}

// NewV4L2Source configures a capture source for devicePath at width x
// height, requesting YUYV frames from the driver.
func NewV4L2Source(devicePath string, width, height int) *V4L2Source {
	return &V4L2Source{devicePath: devicePath, width: width, height: height, pixelFmt: v4l2PixFmtYUYV}
}

func (s *V4L2Source) Frames(ctx context.Context) (<-chan Frame, error) {
	fd, err := unix.Open(s.devicePath, unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", s.devicePath)
	}

	format := v4l2Format{
		Type:        v4l2BufTypeVideoCapture,
		Width:       uint32(s.width),
		Height:      uint32(s.height),
		PixelFormat: s.pixelFmt,
		Field:       v4l2FieldNone,
	}
	if err := ioctl(fd, vidiocSFmt, unsafe.Pointer(&format)); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "VIDIOC_S_FMT")
	}

	reqbufs := v4l2RequestBuffers{Count: reqBufCount, Type: v4l2BufTypeVideoCapture, Memory: v4l2MemoryMmap}
	if err := ioctl(fd, vidiocReqbufs, unsafe.Pointer(&reqbufs)); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "VIDIOC_REQBUFS")
	}

	mmaps := make([][]byte, reqbufs.Count)
	for i := uint32(0); i < reqbufs.Count; i++ {
		buf := v4l2Buffer{Type: v4l2BufTypeVideoCapture, Memory: v4l2MemoryMmap, Index: i}
		if err := ioctl(fd, vidiocQuerybuf, unsafe.Pointer(&buf)); err != nil {
			unix.Close(fd)
			return nil, errors.Wrap(err, "VIDIOC_QUERYBUF")
		}
		mem, err := unix.Mmap(fd, int64(buf.Offset), int(buf.Length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			unix.Close(fd)
			return nil, errors.Wrap(err, "mmap capture buffer")
		}
		mmaps[i] = mem
		if err := ioctl(fd, vidiocQbuf, unsafe.Pointer(&buf)); err != nil {
			unix.Close(fd)
			return nil, errors.Wrap(err, "VIDIOC_QBUF")
		}
	}

	streamType := uint32(v4l2BufTypeVideoCapture)
	if err := ioctl(fd, vidiocStreamon, unsafe.Pointer(&streamType)); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "VIDIOC_STREAMON")
	}

	out := make(chan Frame)
	go func() {
		defer close(out)
		defer unix.Close(fd)
		defer ioctl(fd, vidiocStreamoff, unsafe.Pointer(&streamType)) //nolint:errcheck

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			buf := v4l2Buffer{Type: v4l2BufTypeVideoCapture, Memory: v4l2MemoryMmap}
			if err := ioctl(fd, vidiocDqbuf, unsafe.Pointer(&buf)); err != nil {
				if errors.Is(err, unix.EAGAIN) {
					continue
				}
				dlog.Errorf(ctx, "camera: VIDIOC_DQBUF failed: %v", err)
				return
			}

			data := make([]byte, buf.BytesUsed)
			copy(data, mmaps[buf.Index][:buf.BytesUsed])

			select {
			case out <- Frame{Width: s.width, Height: s.height, Format: YUYV, Data: data}:
			case <-ctx.Done():
				ioctl(fd, vidiocQbuf, unsafe.Pointer(&buf)) //nolint:errcheck
				return
			}

			if err := ioctl(fd, vidiocQbuf, unsafe.Pointer(&buf)); err != nil {
				dlog.Errorf(ctx, "camera: VIDIOC_QBUF failed: %v", err)
				return
			}
		}
	}()

	return out, nil
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return os.NewSyscallError("ioctl", errno)
	}
	return nil
}
