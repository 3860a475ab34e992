package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/WendelHime/fileswarm/internal/logic"
	"github.com/WendelHime/fileswarm/internal/storage"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

// serve starts the metrics and nonce endpoints that are configured for p and
// returns a function stopping them.
func (c *Command) serve(p *logic.Peer) (stop func()) {
	var servers []*http.Server

	if addr := c.config.MetricsAddr; addr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(p.Metrics()...)
		router := mux.NewRouter()
		router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		servers = append(servers, c.listen("metrics", addr, router))
	}
	if addr := c.config.NoncesAddr; addr != "" {
		if nonces := p.Nonces(); nonces != nil {
			handler := storage.NewHandler(map[string]storage.Storage{"nonces": nonces})
			servers = append(servers, c.listen("nonces", addr, handler))
		} else {
			c.logger.Warn("no nonce store to serve", slog.String("addr", addr))
		}
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, s := range servers {
			if err := s.Shutdown(ctx); err != nil {
				c.logger.Warn("failed to stop server", slog.String("addr", s.Addr), slog.Any("error", err))
			}
		}
	}
}

func (c *Command) listen(name, addr string, handler http.Handler) *http.Server {
	s := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		c.logger.Info("serving "+name, slog.String("addr", addr))
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("server failed", slog.String("name", name), slog.Any("error", err))
		}
	}()
	return s
}
