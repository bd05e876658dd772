package main

import (
	"github.com/spf13/cobra"

	"github.com/vterm/masp/internal/config"
)

// flags backs the root command's persistent --port/--ipv flags before
// config.Load applies environment overrides on top of them.
var flags = config.Default()

// Command builds the masp root command and its three subcommands.
func Command() *cobra.Command {
	c := &cobra.Command{
		Use:           "masp",
		Short:         "Peer-to-peer terminal video chat over a custom reliable-UDP protocol",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	c.PersistentFlags().IntVarP(&flags.Port, "port", "p", flags.Port, "local port to listen on")
	ipv := string(flags.IPV)
	c.PersistentFlags().StringVarP(&ipv, "ipv", "i", ipv, "preferred IP version (v4 or v6)")
	c.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		flags.IPV = config.IPVersion(ipv)
		loaded, err := config.Load(cmd.Context(), flags)
		if err != nil {
			return err
		}
		flags = loaded
		return nil
	}

	c.AddCommand(whoamiCommand())
	c.AddCommand(jackinCommand())
	c.AddCommand(jackwaitCommand())
	return c
}
