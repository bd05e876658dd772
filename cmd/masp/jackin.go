package main

import (
	"net"

	"github.com/spf13/cobra"

	"github.com/vterm/masp/pkg/camera"
	"github.com/vterm/masp/pkg/session"
)

func jackinCommand() *cobra.Command {
	var metricsAddr string
	c := &cobra.Command{
		Use:   "jackin <ip:port>",
		Short: "Connect to a remote peer and start video chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote, err := net.ResolveUDPAddr("udp", args[0])
			if err != nil {
				return err
			}
			cfg := session.Config{
				LocalPort:    flags.Port,
				RemoteAddr:   remote,
				MetricsAddr:  metricsAddr,
				CameraSource: defaultCameraSource(),
			}
			return session.Jackin(cmd.Context(), cfg)
		},
	}
	c.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (disabled if empty)")
	return c
}

// defaultCameraSource picks a real V4L2 device on Linux, falling back to
// the synthetic generator elsewhere.
func defaultCameraSource() camera.Source {
	return newPlatformCameraSource()
}
