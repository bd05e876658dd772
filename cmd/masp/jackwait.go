package main

import (
	"net"

	"github.com/spf13/cobra"

	"github.com/vterm/masp/pkg/session"
)

func jackwaitCommand() *cobra.Command {
	var metricsAddr string
	c := &cobra.Command{
		Use:   "jackwait <ip:port>",
		Short: "Go online and wait for an incoming connection from a remote peer",
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
			return session.Jackwait(cmd.Context(), cfg)
		},
	}
	c.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (disabled if empty)")
	return c
}
