// Command ocigenai is a command-line client for OCI Generative AI: chat,
// realtime transcription, embeddings, rerank, and a pgvector-backed
// retrieval index.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/acedergren/ocigenai/internal/config"
	"github.com/acedergren/ocigenai/internal/health"
	"github.com/acedergren/ocigenai/internal/observe"
)

const usage = `usage: ocigenai [flags] <command> [command flags] [args]

commands:
  chat        send a prompt and stream the reply
  transcribe  transcribe raw audio from a file or stdin
  embed       print embeddings for each argument
  rerank      rank documents against a query
  rag-index   split, embed, and store text files
  rag-query   search the retrieval index
`

// command runs one subcommand with its own arguments.
type command func(ctx context.Context, env *env, args []string) error

var commands = map[string]command{
	"chat":       runChat,
	"transcribe": runTranscribe,
	"embed":      runEmbed,
	"rerank":     runRerank,
	"rag-index":  runRAGIndex,
	"rag-query":  runRAGQuery,
}

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	fs := flag.NewFlagSet("ocigenai", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fmt.Fprintln(fs.Output(), "\nflags:")
		fs.PrintDefaults()
	}
	configPath := fs.String("config", "ocigenai.yaml", "path to the YAML configuration file")
	logLevel := fs.String("log-level", "", "override server.log_level (debug, info, warn, error)")
	metricsAddr := fs.String("metrics-addr", "", "override server.metrics_addr")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}
	name, args := fs.Arg(0), fs.Args()[1:]
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "ocigenai: unknown command %q\n", name)
		fs.Usage()
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath, flagSet(fs, "config"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ocigenai: %v\n", err)
		return 1
	}
	if *logLevel != "" {
		cfg.Server.LogLevel = config.LogLevel(*logLevel)
		if !cfg.Server.LogLevel.IsValid() {
			fmt.Fprintf(os.Stderr, "ocigenai: invalid -log-level %q\n", *logLevel)
			return 2
		}
	}
	if *metricsAddr != "" {
		cfg.Server.MetricsAddr = *metricsAddr
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Server.LogLevel.Level()}))
	slog.SetDefault(logger)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "ocigenai"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	e := newEnv(cfg, logger)
	defer e.Close()

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancelRun := context.WithCancel(gctx)
	if cfg.Server.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           metricsMux(tel.MetricsHandler, e.health),
			ReadHeaderTimeout: 5 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return gctx },
		}
		g.Go(func() error {
			slog.Info("serving metrics", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-runCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		defer cancelRun()
		return cmd(runCtx, e, args)
	})

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Info("interrupted")
			return 130
		}
		var ue usageError
		if errors.As(err, &ue) {
			fmt.Fprintf(os.Stderr, "ocigenai %s: %v\n", name, err)
			return 2
		}
		slog.Error("command failed", "command", name, "err", err)
		return 1
	}
	return 0
}

// loadConfig reads path. A missing file is an error only when the path was
// given explicitly; otherwise defaults and the environment are used.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) && !explicit {
		return config.LoadFromReader(strings.NewReader(""))
	}
	return nil, err
}

func flagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func metricsMux(metrics http.Handler, hh *health.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics)
	hh.Register(mux)
	return mux
}

// usageError marks errors caused by bad command-line input.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}

// openInput returns stdin for "" or "-", otherwise the named file.
func openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}
