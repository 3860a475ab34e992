// Package cmd implements the fileswarm command line: seed, share, download
// and stat.
package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/WendelHime/fileswarm/internal/config"
	"github.com/WendelHime/fileswarm/internal/logic"
	"github.com/WendelHime/fileswarm/internal/swarm"
	"github.com/spf13/cobra"
)

func init() {
	cobra.EnableCommandSorting = false
}

type Command struct {
	root    *cobra.Command
	ctx     context.Context
	cfgFile string
	config  config.Config
	logger  *slog.Logger
	// swarm replaces the QUIC swarm of every peer when set.
	swarm func() swarm.Swarm
}

type Option func(*Command)

func NewCommand(opts ...Option) (*Command, error) {
	c := &Command{ctx: context.Background()}
	c.root = &cobra.Command{
		Use:           "fileswarm",
		Short:         "Share a file with a swarm of peers",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.initConfig()
		},
	}
	for _, o := range opts {
		o(c)
	}

	c.initGlobalFlags()
	c.initSeedCmd()
	c.initShareCmd()
	c.initDownloadCmd()
	c.initStatCmd()
	return c, nil
}

func (c *Command) Execute() error {
	return c.root.ExecuteContext(c.ctx)
}

// Execute parses command line arguments and runs appropriate functions. An
// interrupt stops the running peer.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := NewCommand(WithContext(ctx))
	if err != nil {
		return err
	}
	return c.Execute()
}

func (c *Command) initGlobalFlags() {
	flags := c.root.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "config file")
	config.BindFlags(flags)
}

func (c *Command) initConfig() error {
	v, err := config.New(c.cfgFile, c.root.PersistentFlags())
	if err != nil {
		return err
	}
	c.config = config.Load(v)
	c.logger, err = c.config.Logger(c.root.ErrOrStderr())
	return err
}

// options builds the peer options from the loaded configuration.
func (c *Command) options() (logic.Options, error) {
	opts, err := c.config.Options(c.logger)
	if err != nil {
		return logic.Options{}, err
	}
	if c.swarm != nil {
		opts.Swarm = c.swarm()
	}
	return opts, nil
}

// hold keeps a serving peer up until ctx ends.
func (c *Command) hold(ctx context.Context, p *logic.Peer) error {
	stop := c.serve(p)
	defer stop()

	<-ctx.Done()
	c.logger.Info("shutting down")
	return nil
}
