package cmd

import (
	"encoding/hex"
	"fmt"

	"github.com/WendelHime/fileswarm/internal/logic"
	"github.com/spf13/cobra"
)

func (c *Command) initSeedCmd() {
	c.root.AddCommand(&cobra.Command{
		Use:   "seed <path>",
		Short: "Seed a file until interrupted",
		Long:  "Seed a file until interrupted. The key printed on start is what peers download the file with.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := c.options()
			if err != nil {
				return err
			}
			p, err := logic.Seed(cmd.Context(), args[0], c.config.Factory(), opts)
			if err != nil {
				return err
			}
			defer p.Close()

			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(p.Key()))
			return c.hold(cmd.Context(), p)
		},
	})
}
