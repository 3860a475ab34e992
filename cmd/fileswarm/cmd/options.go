package cmd

import (
	"context"
	"io"

	"github.com/WendelHime/fileswarm/internal/swarm"
)

func WithArgs(a ...string) Option {
	return func(c *Command) {
		c.root.SetArgs(a)
	}
}

func WithOutput(w io.Writer) Option {
	return func(c *Command) {
		c.root.SetOut(w)
	}
}

func WithErrorOutput(w io.Writer) Option {
	return func(c *Command) {
		c.root.SetErr(w)
	}
}

func WithContext(ctx context.Context) Option {
	return func(c *Command) {
		c.ctx = ctx
	}
}

// WithSwarm makes every peer of the command join the swarm returned by fn.
func WithSwarm(fn func() swarm.Swarm) Option {
	return func(c *Command) {
		c.swarm = fn
	}
}
