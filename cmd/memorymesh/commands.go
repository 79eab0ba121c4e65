package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shubhhh19/memory-mesh/internal/config"
	"github.com/shubhhh19/memory-mesh/internal/domain"
	"github.com/shubhhh19/memory-mesh/internal/ingest"
	"github.com/shubhhh19/memory-mesh/internal/memory"
	"github.com/shubhhh19/memory-mesh/internal/retention"
	"github.com/shubhhh19/memory-mesh/internal/retrieval"
)

// clientFor builds the API client and checks the tenant.
func clientFor() (*apiClient, error) {
	c, err := newAPIClient()
	if err != nil {
		return nil, err
	}
	if err := c.requireTenant(); err != nil {
		return nil, err
	}
	return c, nil
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest [content]",
	Short: "Store a message",
	Long: `Store a message in a conversation.

Examples:
  memorymesh --tenant acme ingest --conversation c1 "I prefer Go for backend services"
  memorymesh --tenant acme ingest --conversation c1 --role assistant --file ./reply.txt
  memorymesh --tenant acme ingest --conversation c1 --importance 0.9 --meta source=slack "deploys freeze on fridays"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, _ := cmd.Flags().GetString("conversation")
		role, _ := cmd.Flags().GetString("role")
		file, _ := cmd.Flags().GetString("file")
		meta, _ := cmd.Flags().GetStringToString("meta")

		content := strings.Join(args, " ")
		if file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			content = string(data)
		}
		if strings.TrimSpace(content) == "" {
			return fmt.Errorf("content is required: pass it as an argument or with --file")
		}

		req := memory.IngestRequest{ConversationID: conv, Role: role, Content: content}
		if len(meta) > 0 {
			req.Metadata = make(map[string]any, len(meta))
			for k, v := range meta {
				req.Metadata[k] = v
			}
		}
		if cmd.Flags().Changed("importance") {
			v, _ := cmd.Flags().GetFloat64("importance")
			req.Importance = &v
		}
		if cmd.Flags().Changed("async") {
			v, _ := cmd.Flags().GetBool("async")
			req.Async = &v
		}

		c, err := clientFor()
		if err != nil {
			return err
		}
		return runIngest(cmd.Context(), c, req)
	},
}

func runIngest(ctx context.Context, c *apiClient, req memory.IngestRequest) error {
	resp, err := c.post(ctx, "/v1/messages", req)
	if err != nil {
		return err
	}
	var res ingest.Result
	if err := decodeJSON(resp, &res); err != nil {
		return err
	}

	switch res.EmbeddingStatus {
	case domain.EmbeddingFailed:
		printWarning("Stored message %s without an embedding: %s", res.MessageID, res.EmbeddingError)
	case domain.EmbeddingPending:
		printSuccess("Stored message %s (embedding queued)", res.MessageID)
	default:
		printSuccess("Stored message %s", res.MessageID)
	}
	printStatus("Importance", "%.3f", res.ImportanceScore)
	return nil
}

func init() {
	ingestCmd.Flags().String("conversation", "", "conversation ID")
	ingestCmd.Flags().String("role", string(domain.RoleUser), "user, assistant or system")
	ingestCmd.Flags().String("file", "", "read content from a file")
	ingestCmd.Flags().Float64("importance", 0, "explicit importance in [0,1]")
	ingestCmd.Flags().Bool("async", false, "queue the embedding instead of computing it inline")
	ingestCmd.Flags().StringToString("meta", nil, "metadata key=value pairs")
	ingestCmd.MarkFlagRequired("conversation")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over a tenant's memory",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := memory.SearchRequest{Query: strings.Join(args, " ")}
		req.ConversationID, _ = cmd.Flags().GetString("conversation")
		if cmd.Flags().Changed("top-k") {
			v, _ := cmd.Flags().GetInt("top-k")
			req.TopK = &v
		}
		if cmd.Flags().Changed("min-importance") {
			v, _ := cmd.Flags().GetFloat64("min-importance")
			req.MinImportance = &v
		}
		asJSON, _ := cmd.Flags().GetBool("json")

		c, err := clientFor()
		if err != nil {
			return err
		}
		return runSearch(cmd.Context(), c, req, asJSON)
	},
}

func runSearch(ctx context.Context, c *apiClient, req memory.SearchRequest, asJSON bool) error {
	resp, err := c.post(ctx, "/v1/search", req)
	if err != nil {
		return err
	}
	var out struct {
		Results []retrieval.Result `json:"results"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return err
	}
	if asJSON {
		return printJSON(out.Results)
	}

	if len(out.Results) == 0 {
		fmt.Fprintln(stdout, "No results found.")
		return nil
	}
	for i, r := range out.Results {
		header := colorize(colorBold, fmt.Sprintf("Result %d", i+1))
		fmt.Fprintf(stdout, "\n%s [score: %.3f | similarity %.3f | importance %.3f]\n", header, r.Score, r.Similarity, r.Importance)
		fmt.Fprintf(stdout, "  %s/%s %s\n", r.ConversationID, r.MessageID, r.Role)
		fmt.Fprintf(stdout, "  %s\n", truncate(r.Content, 500))
	}
	return nil
}

func init() {
	searchCmd.Flags().Int("top-k", 0, fmt.Sprintf("maximum number of results, 1-%d (default: server setting)", retrieval.MaxTopK))
	searchCmd.Flags().String("conversation", "", "restrict to one conversation")
	searchCmd.Flags().Float64("min-importance", 0, "skip messages below this importance")
	searchCmd.Flags().Bool("json", false, "print raw JSON")
}

// --- messages ---

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Inspect stored messages",
}

var messagesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a message as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := clientFor()
		if err != nil {
			return err
		}
		resp, err := c.get(cmd.Context(), "/v1/messages/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var m domain.Message
		if err := decodeJSON(resp, &m); err != nil {
			return err
		}
		return printJSON(m)
	},
}

var messagesReprocessCmd = &cobra.Command{
	Use:   "reprocess <id>",
	Short: "Queue a message for a fresh embedding",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := clientFor()
		if err != nil {
			return err
		}
		resp, err := c.post(cmd.Context(), "/v1/messages/"+url.PathEscape(args[0])+"/reprocess", nil)
		if err != nil {
			return err
		}
		var res ingest.Result
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("Message %s queued for embedding", res.MessageID)
		return nil
	},
}

func init() {
	messagesCmd.AddCommand(messagesShowCmd)
	messagesCmd.AddCommand(messagesReprocessCmd)
}

// --- conversations ---

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List and inspect conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recently active first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		c, err := clientFor()
		if err != nil {
			return err
		}
		return runConversationsList(cmd.Context(), c, limit, offset)
	},
}

func runConversationsList(ctx context.Context, c *apiClient, limit, offset int) error {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	resp, err := c.get(ctx, "/v1/conversations?"+q.Encode())
	if err != nil {
		return err
	}
	var convs []domain.Conversation
	if err := decodeJSON(resp, &convs); err != nil {
		return err
	}
	if len(convs) == 0 {
		fmt.Fprintln(stdout, "No conversations found.")
		return nil
	}
	for _, conv := range convs {
		fmt.Fprintf(stdout, "  %s  %d messages  last %s\n",
			colorize(colorBold, conv.ID), conv.MessageCount, conv.LastMessageAt.Format("2006-01-02 15:04"))
	}
	return nil
}

var conversationsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a conversation and its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := clientFor()
		if err != nil {
			return err
		}
		resp, err := c.get(cmd.Context(), "/v1/conversations/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var view memory.ConversationView
		if err := decodeJSON(resp, &view); err != nil {
			return err
		}

		printStatus("Conversation", "%s", view.ID)
		printStatus("Messages", "%d", view.MessageCount)
		for _, m := range view.Messages {
			fmt.Fprintf(stdout, "\n[%s] %s (importance %.2f, %s)\n  %s\n",
				m.Role, m.CreatedAt.Format("2006-01-02 15:04"), m.Importance(), m.EmbeddingStatus, truncate(m.Content, 300))
		}
		return nil
	},
}

func init() {
	conversationsListCmd.Flags().Int("limit", memory.DefaultPageSize, "maximum number of conversations")
	conversationsListCmd.Flags().Int("offset", 0, "number of conversations to skip")
	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsShowCmd)
}

// --- retention ---

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Apply retention policy",
}

var retentionRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Archive and delete stale, unimportant messages for the tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		actions, _ := cmd.Flags().GetStringSlice("actions")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		c, err := clientFor()
		if err != nil {
			return err
		}
		return runRetention(cmd.Context(), c, actions, dryRun)
	},
}

func runRetention(ctx context.Context, c *apiClient, actions []string, dryRun bool) error {
	resp, err := c.post(ctx, "/v1/retention/run", map[string]any{
		"actions": actions,
		"dry_run": dryRun,
	})
	if err != nil {
		return err
	}
	var res retention.Result
	if err := decodeJSON(resp, &res); err != nil {
		return err
	}

	if res.DryRun {
		printStep("Dry run: nothing was changed")
	}
	printStatus("Archived", "%d", res.Archived)
	printStatus("Deleted", "%d", res.Deleted)
	for _, e := range res.Errors {
		printWarning("%s %s failed: %s", e.Action, e.MessageID, e.Error)
	}
	if len(res.Errors) > 0 {
		return fmt.Errorf("%d message(s) failed", len(res.Errors))
	}
	return nil
}

func init() {
	retentionRunCmd.Flags().StringSlice("actions", nil, "subset of archive,delete (default: the tenant's policy)")
	retentionRunCmd.Flags().Bool("dry-run", false, "report counts without changing anything")
	retentionCmd.AddCommand(retentionRunCmd)
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
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(stdout, "  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "$"+k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value in the config file.\n\nValid keys:\n  " +
		strings.Join(config.ValidKeys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(configPath, key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
