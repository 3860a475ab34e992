package cmd

import (
	"context"
	"encoding/json"

	"github.com/WendelHime/fileswarm/internal/config"
	"github.com/WendelHime/fileswarm/internal/logic"
	"github.com/WendelHime/fileswarm/internal/shared/models"
	"github.com/spf13/cobra"
)

func (c *Command) initStatCmd() {
	c.root.AddCommand(&cobra.Command{
		Use:   "stat <key>",
		Short: "Print the size and name of a seeded file as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := config.ParseKey(args[0])
			if err != nil {
				return err
			}
			stats, err := c.stat(cmd.Context(), key)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	})
}

// stat asks the swarm about key for at most the configured timeout.
func (c *Command) stat(ctx context.Context, key []byte) (models.Stats, error) {
	opts, err := c.options()
	if err != nil {
		return models.Stats{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()
	return logic.Stat(ctx, key, opts)
}
