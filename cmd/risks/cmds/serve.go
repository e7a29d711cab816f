package cmds

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/risks/pkg/blueprint"
	"github.com/go-go-golems/risks/pkg/config"
	"github.com/go-go-golems/risks/pkg/logging"
	"github.com/go-go-golems/risks/pkg/risks"
	"github.com/go-go-golems/risks/pkg/signals"
)

type ServeCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*ServeCommand)(nil)

func NewServeCommand() (*ServeCommand, error) {
	sections, err := config.Sections()
	if err != nil {
		return nil, err
	}
	return &ServeCommand{
		CommandDescription: cmds.NewCommandDescription(
			"serve",
			cmds.WithShort("Serve the risks blueprint and its status change stream"),
			cmds.WithLong(`Serve the risks blueprint under --url-prefix, its static files under
/static/ggrc_risks and a health check under /healthz.

With --redis-enabled status changes travel over Redis Streams, so receivers in
other processes (and the announce command) share them.`),
			cmds.WithSections(sections...),
		),
	}, nil
}

func (c *ServeCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, _ io.Writer) error {
	s, err := config.FromValues(parsed)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return Serve(ctx, s)
}

// NewExtension builds the risks extension with the configured signal transport.
func NewExtension(s *config.Settings) (*risks.Extension, error) {
	transport, err := signals.NewTransport(s.Signals, logging.NewWatermill(logging.GetLogger("watermill")))
	if err != nil {
		return nil, errors.Wrap(err, "build signal transport")
	}
	return risks.New(
		risks.WithURLPrefix(s.Risks.URLPrefix),
		risks.WithSignalOptions(signals.WithTransport(transport)),
		risks.WithStreamIdleTimeout(s.Risks.StreamIdleTimeout()),
		risks.WithWriteTimeout(s.Risks.StreamWriteTimeout()),
		risks.WithStreamClientQueue(s.Risks.StreamClientQueue),
	), nil
}

// NewHost builds the host application and registers the risks extension on it.
func NewHost(ext *risks.Extension) (*blueprint.App, error) {
	app := blueprint.NewApp(blueprint.WithMiddleware(
		middleware.RequestID,
		middleware.RealIP,
		requestLogger,
		middleware.Recoverer,
	))
	app.Router().Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	if err := ext.Register(app); err != nil {
		return nil, err
	}
	return app, nil
}

// Serve runs the HTTP server until ctx is cancelled, then shuts down gracefully.
func Serve(ctx context.Context, s *config.Settings) error {
	ext, err := NewExtension(s)
	if err != nil {
		return err
	}
	defer func() {
		if err := ext.Close(); err != nil {
			log.Error().Err(err).Msg("risks extension close error")
		}
	}()

	app, err := NewHost(ext)
	if err != nil {
		return err
	}

	if _, err := ext.OnStatusChange(ctx, logStatusChange); err != nil {
		return errors.Wrap(err, "connect status change logger")
	}

	httpSrv := &http.Server{
		Addr:              s.Server.Addr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: s.Server.ReadHeaderTimeout(),
		ReadTimeout:       s.Server.ReadTimeout(),
		WriteTimeout:      s.Server.WriteTimeout(),
		IdleTimeout:       s.Server.IdleTimeout(),
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-egCtx.Done()
		log.Info().Msg("shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.Server.ShutdownTimeout())
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		log.Info().Msg("server shutdown complete")
		return nil
	})
	eg.Go(func() error {
		log.Info().Str("addr", httpSrv.Addr).Str("url_prefix", s.Risks.URLPrefix).Msg("starting risks server")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})
	return eg.Wait()
}

func logStatusChange(_ context.Context, c risks.StatusChange) error {
	log.Info().
		Str("component", "status-log").
		Str("object_type", c.ObjectType).
		Str("object_id", c.ObjectID).
		Str("old_status", string(c.Old)).
		Str("new_status", string(c.New)).
		Str("changed_by", c.ChangedBy).
		Time("changed_at", c.ChangedAt).
		Msg("risk status changed")
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("component", "http").
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
