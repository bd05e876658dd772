//go:build linux

package main

import "github.com/vterm/masp/pkg/camera"

const (
	defaultV4L2Device = "/dev/video0"
	nativeWidth       = 640
	nativeHeight      = 480
)

func newPlatformCameraSource() camera.Source {
	return camera.NewV4L2Source(defaultV4L2Device, nativeWidth, nativeHeight)
}
