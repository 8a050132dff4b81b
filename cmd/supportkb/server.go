package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/supportkb/internal/api"
	"github.com/kalambet/supportkb/internal/config"
	"github.com/kalambet/supportkb/internal/ingest"
)

const shutdownTimeout = 5 * time.Second

var startCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Start the supportkb server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running supportkb server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show supportkb system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

// pidFile records the PID of the foreground server so "stop" can signal it.
type pidFile string

func pidFileIn(dataDir string) pidFile {
	return pidFile(filepath.Join(dataDir, "supportkb.pid"))
}

func (p pidFile) write(pid int) error {
	if err := os.MkdirAll(filepath.Dir(string(p)), 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	return os.WriteFile(string(p), []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

func (p pidFile) read() (int, error) {
	raw, err := os.ReadFile(string(p))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("corrupt PID file %s: %w", p, err)
	}
	return pid, nil
}

func (p pidFile) remove() { _ = os.Remove(string(p)) }

func localURL(port int) string { return fmt.Sprintf("http://127.0.0.1:%d", port) }

// ensureNotRunning fails when something already answers /health on port.
func ensureNotRunning(ctx context.Context, port int, pids pidFile) error {
	hc := &http.Client{Timeout: 2 * time.Second}
	if _, err := fetchHealth(ctx, hc, localURL(port)); err != nil {
		return nil
	}
	if pid, err := pids.read(); err == nil {
		return fmt.Errorf("supportkb is already running (PID %d)", pid)
	}
	return fmt.Errorf("port %d is already serving", port)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "supportkb %s\n", version)

	cfg, lg, err := loadLogger()
	if err != nil {
		return err
	}
	defer lg.Close()
	log := lg.Logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pids := pidFileIn(cfg.Storage.DataDir)
	if err := ensureNotRunning(ctx, cfg.Server.Port, pids); err != nil {
		return err
	}
	if err := pids.write(os.Getpid()); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer pids.remove()

	if cfg.Server.APIToken == "" {
		log.Warn().Msg("no API token configured, /api routes are unauthenticated")
	}

	a, err := buildApp(ctx, cfg, log, appOptions{Progress: os.Stderr, Notify: true})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("closing resources")
		}
	}()

	reconciler := ingest.NewReconciler(a.store, a.queue, log)
	if err := reconciler.Start(ctx, cfg.Reconcile.Schedule); err != nil {
		return err
	}
	defer reconciler.Stop()

	srv := &http.Server{
		Addr: strings.TrimPrefix(localURL(cfg.Server.Port), "http://"),
		Handler: api.NewHandler(api.Deps{
			Service:       a.pipeline,
			Records:       a.store,
			Index:         a.index,
			Jobs:          a.store,
			Token:         cfg.Server.APIToken,
			WindowSize:    cfg.Retrieval.WindowSize,
			Metrics:       a.metrics.Handler(),
			Notifications: a.hub,
			Log:           log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ingest.NewWorker(a.store, a.pipeline, a.metrics, 500*time.Millisecond, log).Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("supportkb listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	pids := pidFileIn(cfg.Storage.DataDir)
	pid, err := pids.read()
	if errors.Is(err, os.ErrNotExist) {
		return errors.New("supportkb is not running")
	}
	if err != nil {
		return err
	}

	// FindProcess always succeeds on unix; Signal reports a dead PID.
	proc, _ := os.FindProcess(pid)
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		pids.remove()
		return fmt.Errorf("signalling PID %d (stale PID file removed): %w", pid, err)
	}
	printSuccess("Sent stop signal to supportkb (PID %d)", pid)
	return nil
}

type healthResponse struct {
	Status     string `json:"status"`
	Indexed    *int   `json:"indexed,omitempty"`
	IndexError string `json:"index_error,omitempty"`
	Pending    *int   `json:"pending_jobs,omitempty"`
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config: %v", err)
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	serverURL := localURL(cfg.Server.Port)
	client := &http.Client{Timeout: 3 * time.Second}

	health, err := fetchHealth(ctx, client, serverURL)
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case health.Status == "ok":
		printStatus("Server", "running on port %d", cfg.Server.Port)
	default:
		printStatus("Server", "%s (%s)", health.Status, health.IndexError)
	}
	if health.Indexed != nil {
		printStatus("Indexed records", "%d", *health.Indexed)
	}
	if health.Pending != nil && *health.Pending > 0 {
		printStatus("Pending reindex", "%d", *health.Pending)
	}

	printStatus("Chat model", "%s/%s", cfg.Chat.Provider, cfg.Chat.Model)
	printStatus("Embed model", "%s/%s (dim %d)", cfg.Embed.Provider, cfg.Embed.Model, cfg.Embed.Dimension)
	printStatus("Index", "%s %q", cfg.Index.Backend, cfg.Index.Name)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func fetchHealth(ctx context.Context, client *http.Client, serverURL string) (healthResponse, error) {
	var h healthResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL+"/health", nil)
	if err != nil {
		return h, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return h, err
	}
	if err := decodeJSON(resp, &h); err != nil {
		return h, err
	}
	return h, nil
}
