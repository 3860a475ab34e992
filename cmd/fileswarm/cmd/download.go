package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/WendelHime/fileswarm/internal/config"
	"github.com/WendelHime/fileswarm/internal/logic"
	"github.com/WendelHime/fileswarm/internal/shared/models"
	"github.com/WendelHime/fileswarm/internal/storage"
	"github.com/spf13/cobra"
)

func (c *Command) initDownloadCmd() {
	c.root.AddCommand(&cobra.Command{
		Use:   "download <key> [output]",
		Short: "Download a seeded file",
		Long: "Download a seeded file. Without an output path the file name advertised by the seed is used. " +
			"With a secret the file is decrypted once every block is downloaded.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			key, err := config.ParseKey(args[0])
			if err != nil {
				return err
			}

			var out string
			if len(args) > 1 {
				out = args[1]
			} else {
				stats, err := c.stat(ctx, key)
				if err != nil {
					return fmt.Errorf("look up file name: %w", err)
				}
				if stats.Filename == "" {
					return fmt.Errorf("%w: the seed advertises no file name, pass an output path", models.ErrValidation)
				}
				out = filepath.Base(stats.Filename)
			}

			opts, err := c.options()
			if err != nil {
				return err
			}
			opts.Key = key
			opts.Filename = filepath.Base(out)
			if c.config.Progress {
				opts.Progress = cmd.ErrOrStderr()
			}

			factory := c.config.Factory()
			encrypted := len(opts.Secret) != 0
			if !encrypted {
				data, err := storage.File(out, c.config.Truncate)
				if err != nil {
					return err
				}
				factory = storage.WithData(data, factory)
			}

			p, err := logic.Download(ctx, factory, opts)
			if err != nil {
				return err
			}
			defer p.Close()
			stop := c.serve(p)
			defer stop()

			if err := p.Wait(ctx); err != nil {
				return err
			}
			if encrypted {
				if err := c.export(cmd, p, out); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	})
}

// export writes the decrypted file to path.
func (c *Command) export(cmd *cobra.Command, p *logic.Peer, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", models.ErrResource, path, err)
	}
	if err := p.Export(cmd.Context(), f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", models.ErrResource, path, err)
	}
	c.logger.Info("decrypted file", slog.String("path", path))
	return nil
}
