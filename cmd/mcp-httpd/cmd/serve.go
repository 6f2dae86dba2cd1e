package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mcphttp "github.com/MegaGrindStone/go-mcp-http"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func serveCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [flags] [-- command [args...]]",
		Short: "Serve an MCP server speaking stdio over HTTP",
		Long: "Serve starts the given command and serves it on an HTTP endpoint: posted messages are " +
			"written to the command's stdin, its replies are returned to the posting client, and " +
			"messages it initiates are pushed to every open SSE stream. The command is taken from " +
			"the arguments after --, or from --exec.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v, cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			argv := args
			if len(argv) == 0 {
				argv = strings.Fields(cfg.Exec)
			}
			if len(argv) == 0 {
				return errors.New("no command to serve, pass it after -- or with --exec")
			}

			logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, argv, logger)
		},
	}

	cmd.Flags().String("host", mcphttp.DefaultHost, "Interface to listen on.")
	cmd.Flags().Int("port", mcphttp.DefaultPort, "Port to listen on, 0 picks a free one.")
	cmd.Flags().String("path", mcphttp.DefaultPath, "Path of the MCP endpoint.")
	cmd.Flags().Int("max-body-size", 4<<20, "Largest accepted request body, in bytes.")
	cmd.Flags().Duration("reply-timeout", time.Minute, "How long a POST waits for its reply, 0 waits forever.")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "How long a client has to send its request.")
	cmd.Flags().Duration("write-timeout", 10*time.Second, "Deadline of each write to a client.")
	cmd.Flags().Duration("sse-keep-alive", 15*time.Second, "Interval of keep-alive comments on SSE streams, 0 disables them.")
	cmd.Flags().Int("stream-queue-size", 16, "Messages that may wait to be written on each SSE stream.")
	cmd.Flags().String("metrics-addr", "", "Address to serve Prometheus metrics on, empty disables them.")
	cmd.Flags().String("redis-addr", "", "Redis address to share sessions through, empty keeps them in memory.")
	cmd.Flags().String("redis-password", "", "Redis password.")
	cmd.Flags().Int("redis-db", 0, "Redis database.")
	cmd.Flags().Duration("session-ttl", 0, "Lifetime of idle sessions in Redis, 0 keeps them forever.")
	cmd.Flags().String("exec", "", "Command to serve, split on spaces, when none follows --.")

	return cmd
}

// serve runs the child process, the transport, and the metrics endpoint until ctx is done or
// one of them stops.
func serve(ctx context.Context, cfg Config, argv []string, logger *slog.Logger) error {
	store, closeStore, err := cfg.sessionStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("failed to close session store", slog.String("err", err.Error()))
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	child := exec.CommandContext(ctx, argv[0], argv[1:]...)
	child.Stderr = os.Stderr
	child.Cancel = func() error { return child.Process.Signal(os.Interrupt) }
	child.WaitDelay = shutdownTimeout
	stdin, err := child.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin of %s: %w", argv[0], err)
	}
	stdout, err := child.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout of %s: %w", argv[0], err)
	}
	if err := child.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", argv[0], err)
	}
	logger.Info("started command", slog.String("command", strings.Join(argv, " ")),
		slog.Int("pid", child.Process.Pid))

	sink := mcphttp.NewStdIOSink(stdout, stdin, mcphttp.WithStdIOSinkLogger(logger))
	srv := mcphttp.NewServer(sink, cfg.serverOptions(logger, store)...)

	var metrics *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metrics = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := srv.ListenAndServe(gctx)
		if errors.Is(err, mcphttp.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		// The command exiting ends the whole group.
		defer cancel()

		err := sink.Run(gctx, srv)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("failed to read from %s: %w", argv[0], err)
		}
		return nil
	})

	if metrics != nil {
		g.Go(func() error {
			logger.Info("serving metrics", slog.String("addr", cfg.MetricsAddr))
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("failed to serve metrics: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if metrics != nil {
			if err := metrics.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("failed to shutdown metrics server: %w", err))
			}
		}
		sink.Close()
		_ = stdin.Close()
		return errors.Join(errs...)
	})

	err = g.Wait()

	cancel()
	if waitErr := child.Wait(); waitErr != nil {
		logger.Info("command exited", slog.String("err", waitErr.Error()))
	} else {
		logger.Info("command exited")
	}
	return err
}
