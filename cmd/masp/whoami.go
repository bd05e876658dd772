package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vterm/masp/internal/config"
	"github.com/vterm/masp/pkg/reflexive"
)

func whoamiCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print your public IP address and port",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ipv := reflexive.IPv4
			if flags.IPV == config.IPv6 {
				ipv = reflexive.IPv6
			}
			addr, err := reflexive.DiscoverPublicEndpoint(cmd.Context(), flags.Port, ipv)
			if err != nil {
				return err
			}
			fmt.Printf("You are %s\n", addr)
			return nil
		},
	}
}
