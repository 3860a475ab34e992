package cmd

import (
	"github.com/WendelHime/fileswarm/internal/config"
	"github.com/WendelHime/fileswarm/internal/logic"
	"github.com/spf13/cobra"
)

func (c *Command) initShareCmd() {
	c.root.AddCommand(&cobra.Command{
		Use:   "share <key>",
		Short: "Replicate and serve a log until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := config.ParseKey(args[0])
			if err != nil {
				return err
			}
			opts, err := c.options()
			if err != nil {
				return err
			}
			p, err := logic.Share(cmd.Context(), c.config.Factory(), key, opts)
			if err != nil {
				return err
			}
			defer p.Close()
			return c.hold(cmd.Context(), p)
		},
	})
}
