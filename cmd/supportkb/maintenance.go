package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/supportkb/internal/api"
	"github.com/kalambet/supportkb/internal/ingest"
	"github.com/kalambet/supportkb/internal/kb"
)

const (
	reindexListLimit = 100000
	reindexBatchSize = 32
)

// --- reindex ---

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Embed and upsert records that are missing from the vector index",
	Long: `Embed and upsert records that are missing from the vector index, or every
resolved record with --all. Runs against the local stores.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg, lg, err := loadLogger()
		if err != nil {
			return err
		}
		defer lg.Close()
		a, err := buildApp(ctx, cfg, lg.Logger, appOptions{Progress: os.Stderr})
		if err != nil {
			return err
		}
		defer a.Close()

		var recs []kb.Record
		if all {
			recs, err = a.store.FindAll(ctx)
		} else {
			recs, err = a.store.ListUnindexed(ctx, reindexListLimit)
		}
		if err != nil {
			return err
		}

		done, failed, err := runReindex(ctx, a.pipeline, recs, os.Stderr)
		if err != nil {
			return err
		}
		printSuccess("Reindexed %d records", done)
		if failed > 0 {
			return fmt.Errorf("%d records could not be indexed", failed)
		}
		return nil
	},
}

func init() {
	reindexCmd.Flags().Bool("all", false, "reindex every resolved record")
}

// batchReindexer indexes a batch of records and reports failures by id.
type batchReindexer interface {
	ReindexBatch(ctx context.Context, recs []kb.Record) map[string]error
}

// runReindex reindexes the resolved records in recs, reindexBatchSize at a
// time. Records without a resolution are skipped.
func runReindex(ctx context.Context, r batchReindexer, recs []kb.Record, progress io.Writer) (done, failed int, err error) {
	todo := make([]kb.Record, 0, len(recs))
	for _, rec := range recs {
		if rec.Resolution != "" {
			todo = append(todo, rec)
		}
	}
	if len(todo) == 0 {
		printStep("Nothing to reindex")
		return 0, 0, nil
	}

	bar := newProgressBar(len(todo), "Reindexing", progress)
	for chunk := range slices.Chunk(todo, reindexBatchSize) {
		if ctx.Err() != nil {
			return done, failed, ctx.Err()
		}
		errs := r.ReindexBatch(ctx, chunk)
		if ctx.Err() != nil {
			return done, failed, ctx.Err()
		}
		for _, rec := range chunk {
			if err, ok := errs[rec.ID]; ok {
				failed++
				printWarning("%s: %v", rec.ID, err)
			} else {
				done++
			}
		}
		bar.Add(len(chunk))
	}
	return done, failed, nil
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the knowledge base as an MCP server over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg, lg, err := loadLogger()
		if err != nil {
			return err
		}
		defer lg.Close()
		log := lg.Logger

		// stdout belongs to the protocol; model pulls report on stderr.
		a, err := buildApp(ctx, cfg, log, appOptions{Progress: os.Stderr})
		if err != nil {
			return err
		}
		defer a.Close()

		worker := ingest.NewWorker(a.store, a.pipeline, a.metrics, time.Second, log)
		go worker.Run(ctx)

		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Service:    a.pipeline,
			Records:    a.store,
			WindowSize: cfg.Retrieval.WindowSize,
		})
		log.Info().Msg("MCP server started (stdio transport)")
		err = server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP stdio server: %w", err)
		}
		return nil
	},
}
