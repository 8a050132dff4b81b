package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/supportkb/internal/api"
	"github.com/kalambet/supportkb/internal/attachment"
	"github.com/kalambet/supportkb/internal/config"
	"github.com/kalambet/supportkb/internal/conversation"
	"github.com/kalambet/supportkb/internal/kb"
	"github.com/kalambet/supportkb/internal/pipeline"
)

// --- query ---

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Search the knowledge base for similar resolved bugs",
	Long: `Search the knowledge base for similar resolved bugs.

Examples:
  supportkb query "dashboard charts are blank with big datasets"
  supportkb query "what does this crash dump mean" --attach ./dump.txt
  supportkb query "charts crash" --json`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		attach, _ := cmd.Flags().GetString("attach")
		asJSON, _ := cmd.Flags().GetBool("json")

		req, err := buildQueryRequest(strings.Join(args, " "), attach)
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runQuery(cmd.Context(), client, req, asJSON, cmd.OutOrStdout())
	},
}

func init() {
	queryCmd.Flags().String("attach", "", "file to attach (PDF or text)")
	queryCmd.Flags().Bool("json", false, "print the raw result JSON")
}

// queryResponse mirrors the body of POST /api/ai/query.
type queryResponse struct {
	Result json.RawMessage `json:"result"`
	Trace  json.RawMessage `json:"trace"`
}

func buildQueryRequest(text, attachPath string) (api.QueryRequest, error) {
	req := api.QueryRequest{Text: text}
	if attachPath == "" {
		return req, nil
	}
	data, err := os.ReadFile(attachPath)
	if err != nil {
		return req, fmt.Errorf("reading attachment: %w", err)
	}
	if len(data) > attachment.MaxSize {
		return req, fmt.Errorf("attachment %s is larger than %d bytes", attachPath, attachment.MaxSize)
	}
	req.Attachment = &api.AttachmentPayload{
		Name:     filepath.Base(attachPath),
		MimeType: mime.TypeByExtension(filepath.Ext(attachPath)),
		Data:     base64.StdEncoding.EncodeToString(data),
	}
	return req, nil
}

func postQuery(ctx context.Context, client *apiClient, req api.QueryRequest) (queryResponse, error) {
	var out queryResponse
	err := client.call(ctx, http.MethodPost, "/api/ai/query", req, &out)
	return out, err
}

func runQuery(ctx context.Context, client *apiClient, req api.QueryRequest, asJSON bool, w io.Writer) error {
	out, err := postQuery(ctx, client, req)
	if err != nil {
		return err
	}
	if asJSON {
		var buf strings.Builder
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out.Result); err != nil {
			return err
		}
		fmt.Fprint(w, buf.String())
		return nil
	}

	var result kb.Result
	if err := json.Unmarshal(out.Result, &result); err != nil {
		return fmt.Errorf("decoding result: %w", err)
	}
	fmt.Fprintln(w, renderResult(result))
	return nil
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Add a resolved bug to the knowledge base",
	Long: `Add a resolved bug to the knowledge base. Every field is required.

Example:
  supportkb ingest --title "Charts blank on large datasets" \
    --description "Charts crash above 10k points" --product Dashboard \
    --installation cloud --type Performance --severity High \
    --status Resolved --resolution "Paginate and lazy-load chart data"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		in := kb.NewRecord{}
		for flag, dst := range ingestFlags(&in) {
			*dst, _ = cmd.Flags().GetString(flag)
		}
		if in.CreatedBy == "" {
			in.CreatedBy = "cli"
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		res, err := postIngest(cmd.Context(), client, in)
		if err != nil {
			return err
		}
		reportIngest(res)
		return nil
	},
}

func ingestFlags(in *kb.NewRecord) map[string]*string {
	return map[string]*string{
		"title":        &in.Title,
		"description":  &in.Description,
		"product":      &in.Product,
		"installation": &in.Installation,
		"type":         &in.Type,
		"severity":     &in.Severity,
		"status":       &in.Status,
		"resolution":   &in.Resolution,
		"created-by":   &in.CreatedBy,
	}
}

func init() {
	var scratch kb.NewRecord
	for flag := range ingestFlags(&scratch) {
		ingestCmd.Flags().String(flag, "", "bug "+strings.ReplaceAll(flag, "-", " "))
	}
}

func postIngest(ctx context.Context, client *apiClient, in kb.NewRecord) (pipeline.IngestResult, error) {
	var res pipeline.IngestResult
	err := client.call(ctx, http.MethodPost, "/api/ai/ingest", in, &res)
	return res, err
}

func reportIngest(res pipeline.IngestResult) {
	if res.Indexed {
		printSuccess("Indexed %s (%s)", res.Record.ID, res.Record.Title)
		return
	}
	printWarning("Saved %s but indexing failed (%s); retry queued as job %s",
		res.Record.ID, res.IndexError, res.JobID)
}

// --- posts ---

var postsCmd = &cobra.Command{
	Use:   "posts",
	Short: "Browse and update bug posts",
}

var postsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent posts, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listPosts(cmd.Context(), client, limit, offset, cmd.OutOrStdout())
	},
}

var postsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a post with its comments",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return showPost(cmd.Context(), client, args[0], cmd.OutOrStdout())
	},
}

var postsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Set the resolution of a post and reindex it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resolution, _ := cmd.Flags().GetString("resolution")
		if strings.TrimSpace(resolution) == "" {
			return fmt.Errorf("--resolution is required")
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var res pipeline.IngestResult
		if err := client.call(cmd.Context(), http.MethodPut, "/api/posts/"+url.PathEscape(args[0])+"/resolution",
			map[string]string{"resolution": resolution}, &res); err != nil {
			return err
		}
		reportIngest(res)
		return nil
	},
}

var postsCommentCmd = &cobra.Command{
	Use:   "comment <id> <text>",
	Short: "Comment on a post",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		author, _ := cmd.Flags().GetString("author")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var c kb.Comment
		if err := client.call(cmd.Context(), http.MethodPost, "/api/posts/"+url.PathEscape(args[0])+"/comments",
			map[string]string{"author": author, "text": strings.Join(args[1:], " ")}, &c); err != nil {
			return err
		}
		printSuccess("Added comment %s", c.ID)
		return nil
	},
}

func init() {
	postsListCmd.Flags().Int("limit", 20, "maximum number of posts")
	postsListCmd.Flags().Int("offset", 0, "number of posts to skip")
	postsResolveCmd.Flags().String("resolution", "", "new resolution text")
	postsCommentCmd.Flags().String("author", "cli", "comment author")

	postsCmd.AddCommand(postsListCmd, postsShowCmd, postsResolveCmd, postsCommentCmd)
}

func listPosts(ctx context.Context, client *apiClient, limit, offset int, w io.Writer) error {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))
	q.Set("offset", fmt.Sprint(offset))
	var recs []kb.Record
	if err := client.call(ctx, http.MethodGet, "/api/posts?"+q.Encode(), nil, &recs); err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(w, "No posts.")
		return nil
	}
	for _, r := range recs {
		marker := " "
		if !r.Indexed() {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %-24s %-12s %-10s %s\n", marker, r.ID, r.Product, r.Status, r.Title)
	}
	return nil
}

func showPost(ctx context.Context, client *apiClient, id string, w io.Writer) error {
	var post api.PostView
	if err := client.call(ctx, http.MethodGet, "/api/posts/"+url.PathEscape(id), nil, &post); err != nil {
		return err
	}

	fmt.Fprint(w, renderHit(kb.HitFromRecord(post.Record)))
	if post.Description != "" {
		fmt.Fprintf(w, "\n%s\n", post.Description)
	}
	for _, s := range post.SuggestedResolutions {
		fmt.Fprintf(w, "  %s %s\n", colorize(styleMuted, "Suggested:"), s)
	}
	if len(post.Comments) > 0 {
		fmt.Fprintf(w, "\n%s\n", colorize(styleBold, "Comments"))
		for _, c := range post.Comments {
			fmt.Fprintf(w, "  %s %s\n", colorize(styleMuted, c.Author+":"), c.Text)
		}
	}
	return nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			val := k.Value
			if k.Secret {
				val = colorize(styleMuted, val+" via "+k.EnvVar)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(styleBold, k.Key), val)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd)
}

// historyFromTurns converts a local conversation window into the wire form.
func historyFromTurns(turns []conversation.Turn) []conversation.HistoryMessage {
	out := make([]conversation.HistoryMessage, 0, len(turns))
	for _, t := range turns {
		content, _ := json.Marshal(t.Content)
		msg := conversation.HistoryMessage{Role: string(t.Role), Content: content}
		if t.Role == conversation.RoleAssistant {
			results := t.Results
			msg.HasResults = &results
		}
		out = append(out, msg)
	}
	return out
}
