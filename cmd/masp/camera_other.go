//go:build !linux

package main

import "github.com/vterm/masp/pkg/camera"

const (
	nativeWidth  = 640
	nativeHeight = 480
)

func newPlatformCameraSource() camera.Source {
	return camera.NewSyntheticSource(nativeWidth, nativeHeight)
}
