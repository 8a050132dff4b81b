package main

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/supportkb/internal/kb"
	"github.com/kalambet/supportkb/internal/pipeline"
)

const defaultImportPattern = "**/*.{yaml,yml}"

//go:embed seed/*.yaml
var seedFS embed.FS

var importCmd = &cobra.Command{
	Use:   "import [path...]",
	Short: "Import bugs from YAML files",
	Long: `Import bugs from YAML files. Directories are searched for files matching
--glob; a --glob on its own is resolved from the working directory.

Examples:
  supportkb import --seed
  supportkb import ./data
  supportkb import --glob 'data/**/*.yaml' --direct`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pattern, _ := cmd.Flags().GetString("glob")
		seed, _ := cmd.Flags().GetBool("seed")
		direct, _ := cmd.Flags().GetBool("direct")

		var batches []importBatch
		if seed {
			b, err := seedBatches()
			if err != nil {
				return err
			}
			batches = append(batches, b...)
		}
		if len(args) > 0 || pattern != "" {
			files, err := findImportFiles(args, pattern)
			if err != nil {
				return err
			}
			for _, f := range files {
				data, err := os.ReadFile(f)
				if err != nil {
					return fmt.Errorf("reading %s: %w", f, err)
				}
				b, err := parseImport(f, data)
				if err != nil {
					return err
				}
				batches = append(batches, b)
			}
		}
		if len(batches) == 0 {
			return fmt.Errorf("nothing to import: pass paths, --glob or --seed")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var sink recordSink
		if direct {
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
			sink = a.pipeline
		} else {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			sink = apiSink{client: client}
		}

		sum, err := runImport(ctx, sink, batches, os.Stderr)
		if err != nil {
			return err
		}
		printSuccess("Imported %d records (%d indexed, %d queued for indexing)", sum.Imported, sum.Indexed, sum.Queued)
		if sum.Failed > 0 {
			return fmt.Errorf("%d records failed to import", sum.Failed)
		}
		return nil
	},
}

func init() {
	importCmd.Flags().String("glob", "", "file pattern, e.g. 'data/**/*.yaml' (default "+defaultImportPattern+" inside directories)")
	importCmd.Flags().Bool("seed", false, "import the bundled sample bugs")
	importCmd.Flags().Bool("direct", false, "write to the local stores instead of the running server")
}

// importRecord is one bug in an import file.
type importRecord struct {
	Title        string          `yaml:"title"`
	Description  string          `yaml:"description"`
	Product      string          `yaml:"product"`
	Installation string          `yaml:"installation"`
	Type         string          `yaml:"type"`
	Severity     string          `yaml:"severity"`
	Status       string          `yaml:"status"`
	Resolution   string          `yaml:"resolution"`
	CreatedBy    string          `yaml:"created_by"`
	Comments     []importComment `yaml:"comments"`
}

type importComment struct {
	Author string `yaml:"author"`
	Text   string `yaml:"text"`
}

func (r importRecord) newRecord() kb.NewRecord {
	createdBy := r.CreatedBy
	if createdBy == "" {
		createdBy = "import"
	}
	return kb.NewRecord{
		Title:        r.Title,
		Description:  r.Description,
		Product:      r.Product,
		Installation: r.Installation,
		Type:         r.Type,
		Severity:     r.Severity,
		Status:       r.Status,
		Resolution:   r.Resolution,
		CreatedBy:    createdBy,
	}
}

type importBatch struct {
	Source  string
	Records []importRecord
}

// parseImport accepts either a top-level list of records or a mapping with a
// records key.
func parseImport(source string, data []byte) (importBatch, error) {
	b := importBatch{Source: source}
	var doc struct {
		Records []importRecord `yaml:"records"`
	}
	if err := yaml.Unmarshal(data, &doc); err == nil && len(doc.Records) > 0 {
		b.Records = doc.Records
		return b, nil
	}
	var list []importRecord
	if err := yaml.Unmarshal(data, &list); err != nil {
		return b, fmt.Errorf("parsing %s: %w", source, err)
	}
	b.Records = list
	return b, nil
}

func seedBatches() ([]importBatch, error) {
	var out []importBatch
	err := fs.WalkDir(seedFS, "seed", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := seedFS.ReadFile(path)
		if err != nil {
			return err
		}
		b, err := parseImport(path, data)
		if err != nil {
			return err
		}
		out = append(out, b)
		return nil
	})
	return out, err
}

// findImportFiles expands paths and pattern into a list of files. Files given
// explicitly are always included; directories contribute the files whose
// path relative to the directory matches pattern.
func findImportFiles(paths []string, pattern string) ([]string, error) {
	if len(paths) == 0 {
		base, rel := doublestar.SplitPattern(filepath.ToSlash(pattern))
		paths = []string{filepath.FromSlash(base)}
		pattern = rel
	}
	if pattern == "" {
		pattern = defaultImportPattern
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid glob pattern %q", pattern)
	}

	var files []string
	seen := make(map[string]bool)
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			add(root)
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			if ok, _ := doublestar.Match(pattern, filepath.ToSlash(rel)); ok {
				add(path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

// recordSink receives imported records. *pipeline.Pipeline and apiSink
// satisfy it.
type recordSink interface {
	Ingest(ctx context.Context, in kb.NewRecord) (pipeline.IngestResult, error)
	AddComment(ctx context.Context, recordID, author, text string) (kb.Comment, error)
}

type apiSink struct {
	client *apiClient
}

func (s apiSink) Ingest(ctx context.Context, in kb.NewRecord) (pipeline.IngestResult, error) {
	return postIngest(ctx, s.client, in)
}

func (s apiSink) AddComment(ctx context.Context, recordID, author, text string) (kb.Comment, error) {
	var c kb.Comment
	err := s.client.call(ctx, http.MethodPost, "/api/posts/"+url.PathEscape(recordID)+"/comments",
		map[string]string{"author": author, "text": text}, &c)
	return c, err
}

type importSummary struct {
	Imported int
	Indexed  int
	Queued   int
	Failed   int
}

// runImport ingests every record and its comments. Invalid records are
// reported and skipped; a cancelled context stops the import.
func runImport(ctx context.Context, sink recordSink, batches []importBatch, progress io.Writer) (importSummary, error) {
	var sum importSummary
	total := 0
	for _, b := range batches {
		total += len(b.Records)
	}
	bar := newProgressBar(total, "Importing", progress)

	var errBuf bytes.Buffer
	for _, b := range batches {
		for i, r := range b.Records {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			res, err := sink.Ingest(ctx, r.newRecord())
			bar.Add(1)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return sum, err
				}
				sum.Failed++
				fmt.Fprintf(&errBuf, "%s record %d (%q): %v\n", b.Source, i+1, r.Title, err)
				continue
			}
			sum.Imported++
			if res.Indexed {
				sum.Indexed++
			} else {
				sum.Queued++
			}
			for _, c := range r.Comments {
				if _, err := sink.AddComment(ctx, res.Record.ID, c.Author, c.Text); err != nil {
					fmt.Fprintf(&errBuf, "%s record %d comment: %v\n", b.Source, i+1, err)
				}
			}
		}
	}
	if errBuf.Len() > 0 {
		printWarning("some records were skipped:\n%s", errBuf.String())
	}
	return sum, nil
}

func newProgressBar(total int, description string, w io.Writer) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionEnableColorCodes(!noColor),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetDescription("[cyan]"+description+"[reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(w)
		}),
	)
}
