package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/sourcebruh/photosearch/internal/api"
	"github.com/sourcebruh/photosearch/internal/config"
	"github.com/sourcebruh/photosearch/internal/ingest"
	"github.com/sourcebruh/photosearch/internal/search"
	"github.com/sourcebruh/photosearch/internal/storage"
)

func tenantFlag(cmd *cobra.Command) string {
	t, _ := cmd.Flags().GetString("tenant")
	return t
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Ingest new photos now, in this process",
	Long: `Ingest new photos now, in this process.

Examples:
  photosearch sync
  photosearch sync --tenant alice
  photosearch sync --all`,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := ensureOracleReady(ctx, cfg); err != nil {
			return err
		}
		a, err := openApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		tenants := []string{cfg.Tenant.Default}
		if t := tenantFlag(cmd); t != "" {
			tenants = []string{t}
		}
		if all {
			stored, err := a.store.ListTenants()
			if err != nil {
				return fmt.Errorf("listing tenants: %w", err)
			}
			tenants = allTenants(cfg.Tenants(), stored)
		}

		printStep("Syncing %s", strings.Join(tenants, ", "))
		reports, err := ingest.RunTenants(ctx, a.syncer, tenants, cfg.Ingest.ParallelTenants)
		for _, r := range reports {
			printReport(r)
		}
		if err != nil {
			return err
		}
		printSuccess("Sync finished")
		return nil
	},
}

func init() {
	syncCmd.Flags().Bool("all", false, "sync every configured tenant (tenant.ids) and every tenant with stored settings or credentials")
}

// allTenants returns the configured tenants followed by stored ones not
// already listed.
func allTenants(configured, stored []string) []string {
	seen := make(map[string]bool, len(configured)+len(stored))
	var out []string
	for _, list := range [][]string{configured, stored} {
		for _, t := range list {
			if t == "" || seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func printReport(r ingest.Report) {
	if r.Tenant == "" {
		return
	}
	fmt.Printf("%s  ingested %d, skipped %d, failed %d\n",
		colorize(colorBold, r.Tenant), r.Counts.Ingested(), r.Counts.Skipped(), r.Counts.Failed())
	for _, al := range r.Albums {
		line := fmt.Sprintf("  %-30s ingested %d, skipped %d, failed %d",
			truncate(al.Title, 30), al.Counts.Ingested(), al.Counts.Skipped(), al.Counts.Failed())
		if al.Error != "" {
			line += "  " + colorize(colorRed, al.Error)
		}
		fmt.Println(line)
	}
	for _, u := range r.Unmatched {
		printWarning("no album matches %q", u)
	}
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search ingested photos by meaning",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		topK, _ := cmd.Flags().GetInt("top-k")

		client, err := newAPIClient(tenantFlag(cmd))
		if err != nil {
			return err
		}
		results, err := runSearch(cmd.Context(), client, query, topK)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("No results found.")
			return nil
		}
		for i, r := range results {
			fmt.Printf("\n%s [distance: %.3f]\n", colorize(colorBold, fmt.Sprintf("%d. %s", i+1, r.ID)), r.Distance)
			if r.AlbumTitle != "" {
				fmt.Printf("  Album: %s\n", r.AlbumTitle)
			}
			if r.Timestamp != "" {
				fmt.Printf("  Taken: %s\n", r.Timestamp)
			}
			fmt.Printf("  %s\n", truncate(r.Description, 300))
			fmt.Printf("  %s\n", colorize(colorCyan, client.baseURL+r.ThumbURL))
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("top-k", 0, "maximum number of results (default: search.top_k)")
}

func runSearch(ctx context.Context, client *apiClient, query string, topK int) ([]search.Result, error) {
	path := "/search?q=" + url.QueryEscape(query)
	if topK > 0 {
		path += fmt.Sprintf("&top_k=%d", topK)
	}
	resp, err := client.get(ctx, path)
	if err != nil {
		return nil, err
	}
	var results []search.Result
	if err := decodeJSON(resp, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent sync runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		enqueue, _ := cmd.Flags().GetBool("enqueue")

		client, err := newAPIClient(tenantFlag(cmd))
		if err != nil {
			return err
		}

		if enqueue {
			resp, err := client.post(cmd.Context(), "/sync", api.SyncRequest{})
			if err != nil {
				return err
			}
			var queued map[string]string
			if err := decodeJSON(resp, &queued); err != nil {
				return err
			}
			printSuccess("Queued sync job %s", queued["job_id"])
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/sync/runs?limit=%d", limit))
		if err != nil {
			return err
		}
		var runs []storage.SyncRun
		if err := decodeJSON(resp, &runs); err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No sync runs yet.")
			return nil
		}
		for _, r := range runs {
			fmt.Println(formatRun(r))
		}
		return nil
	},
}

func init() {
	runsCmd.Flags().Int("limit", 20, "maximum number of runs to list")
	runsCmd.Flags().Bool("enqueue", false, "queue a sync on the server before listing")
}

func formatRun(r storage.SyncRun) string {
	status := r.Status
	switch r.Status {
	case "completed":
		status = colorize(colorGreen, status)
	case "failed", "canceled":
		status = colorize(colorRed, status)
	case "running":
		status = colorize(colorYellow, status)
	}
	line := fmt.Sprintf("%s  %s  %-10s  ingested %d, skipped %d, failed %d",
		colorize(colorCyan, shortID(r.ID)),
		r.StartedAt.Local().Format(time.DateTime),
		status, r.Ingested, r.Skipped, r.Failed)
	if r.Error != "" {
		line += "  " + truncate(r.Error, 80)
	}
	return line
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show photosearch system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			// Still show partial status even if config fails.
			printError("config error: %v", err)
			return nil
		}

		client := &http.Client{Timeout: 2 * time.Second}
		base := serverURL(cfg)
		resp, err := client.Get(base + "/health")
		running := false
		if err != nil {
			printStatus("Server", "stopped")
		} else {
			resp.Body.Close()
			running = resp.StatusCode == http.StatusOK
			if running {
				printStatus("Server", "running at %s", base)
			} else {
				printStatus("Server", "error (HTTP %d)", resp.StatusCode)
			}
		}

		printStatus("Oracle", "%s", cfg.Oracle.Backend)
		switch cfg.Oracle.Backend {
		case "ollama":
			if r, err := client.Get(cfg.Ollama.BaseURL + "/api/version"); err != nil {
				printStatus("Ollama", "not running at %s", cfg.Ollama.BaseURL)
			} else {
				r.Body.Close()
				printStatus("Ollama", "running at %s (%s, %s)", cfg.Ollama.BaseURL, cfg.Ollama.VisionModel, cfg.Ollama.EmbedModel)
			}
		default:
			printStatus("Gemini key", "%s", setLabel(cfg.Gemini.APIKey))
		}
		printStatus("Photos token", "%s (default tenant; others use stored credentials)", setLabel(cfg.Photos.AccessToken))
		printStatus("Vector store", "%s", cfg.Vector.Backend)
		blobs := cfg.Blob.Backend
		if cfg.Storage.InlineBlobs {
			blobs = "inline"
		}
		printStatus("Blob store", "%s", blobs)
		printStatus("Tenants", "%s", strings.Join(cfg.Tenants(), ", "))

		if running && cfg.Server.APIToken != "" {
			c := &apiClient{baseURL: base, token: cfg.Server.APIToken, tenant: tenantFlag(cmd), httpClient: client}
			if resp, err := c.get(cmd.Context(), "/sync/runs?limit=1"); err == nil {
				var runs []storage.SyncRun
				if decodeJSON(resp, &runs) == nil && len(runs) > 0 {
					printStatus("Last sync", "%s", formatRun(runs[0]))
				}
			}
			if resp, err := c.get(cmd.Context(), "/sync/jobs"); err == nil {
				var counts api.JobCounts
				if decodeJSON(resp, &counts) == nil {
					printStatus("Jobs", "%s", formatJobCounts(counts))
				}
			}
		}

		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	},
}

func formatJobCounts(counts api.JobCounts) string {
	var parts []string
	for _, status := range []string{"pending", "running", "completed", "failed"} {
		parts = append(parts, fmt.Sprintf("%d %s", counts[status], status))
	}
	return strings.Join(parts, ", ")
}

func setLabel(v string) string {
	if v == "" {
		return "(unset)"
	}
	return "(set)"
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		// stdout carries the protocol; logs stay on stderr.
		setupLogging(cfg.Log.Level)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		tenant := cfg.Tenant.Default
		if t := tenantFlag(cmd); t != "" {
			tenant = t
		}
		srv := api.NewMCPServer(api.MCPDeps{Store: a.store, Search: a.search, Tenant: tenant})
		return server.NewStdioServer(srv).Listen(ctx, os.Stdin, os.Stdout)
	},
}

// --- credentials ---

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage per-tenant photo library credentials on the server",
}

var credentialsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store the tenant's photo library access token, read from stdin",
	Long: `Store the tenant's photo library access token, read from stdin.

Examples:
  photosearch credentials set --tenant alice < token.txt`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := readToken(cmd.InOrStdin())
		if err != nil {
			return err
		}
		if token == "" {
			return fmt.Errorf("no token on stdin (use credentials clear to remove one)")
		}
		client, err := newAPIClient(tenantFlag(cmd))
		if err != nil {
			return err
		}
		if err := putCredentials(cmd.Context(), client, token); err != nil {
			return err
		}
		printSuccess("Stored photo library token")
		return nil
	},
}

var credentialsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the tenant's stored photo library access token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(tenantFlag(cmd))
		if err != nil {
			return err
		}
		if err := putCredentials(cmd.Context(), client, ""); err != nil {
			return err
		}
		printSuccess("Removed photo library token")
		return nil
	},
}

func init() {
	credentialsCmd.AddCommand(credentialsSetCmd)
	credentialsCmd.AddCommand(credentialsClearCmd)
}

func readToken(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil {
		return "", fmt.Errorf("reading token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func putCredentials(ctx context.Context, client *apiClient, token string) error {
	resp, err := client.do(ctx, http.MethodPut, "/credentials", api.CredentialsRequest{PhotosAccessToken: token})
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return decodeJSON(resp, &struct{}{})
	}
	resp.Body.Close()
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
		asJSON, _ := cmd.Flags().GetBool("json")

		keys := config.ShowAll(cfg)
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(keys)
		}
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value in the config file",
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

func init() {
	configShowCmd.Flags().Bool("json", false, "print as JSON")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
