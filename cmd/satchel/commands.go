package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/satchel-dev/satchel/internal/config"
	"github.com/satchel-dev/satchel/internal/syncer"
)

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync <capability>",
	Short: "Start a sync pass for one capability",
	Long: `Start a sync pass for one capability.

Capabilities: ` + strings.Join(capabilityNames(), ", ") + `

Examples:
  satchel sync gmail --email me@example.com
  satchel sync local_files`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")

		if _, err := syncer.ParseCapability(args[0]); err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/sync/"+args[0], map[string]string{"email": email})
		if err != nil {
			return err
		}

		var result struct {
			Accepted bool `json:"accepted"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if !result.Accepted {
			printWarning("A %s sync is already running", args[0])
			return nil
		}
		printSuccess("Sync started for %s", args[0])
		return nil
	},
}

func capabilityNames() []string {
	names := make([]string, len(syncer.Capabilities))
	for i, c := range syncer.Capabilities {
		names[i] = string(c)
	}
	return names
}

func init() {
	syncCmd.Flags().String("email", "", "account email for the connection")
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask the assistant a question",
	Long: `Ask the assistant a question. Relevant synced context is retrieved
and fed to the local model; the answer streams to stdout.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		maxTokens, _ := cmd.Flags().GetInt("max-tokens")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"messages": []map[string]string{
				{"role": "user", "content": question},
			},
		}
		if maxTokens > 0 {
			req["max_tokens"] = maxTokens
		}

		resp, err := client.stream(cmd.Context(), "/v1/chat/completions", req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			var raw strings.Builder
			bufio.NewReader(resp.Body).WriteTo(&raw)
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, raw.String())
		}

		if err := printSSETokens(resp); err != nil {
			return err
		}
		fmt.Println()
		return nil
	},
}

// printSSETokens writes token frames from a completion stream to stdout as
// they arrive. Error frames terminate with the server's message.
func printSSETokens(resp *http.Response) error {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			return nil
		}

		var frame struct {
			Token string `json:"token"`
			Error string `json:"error"`
		}
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			continue
		}
		if frame.Error != "" {
			fmt.Println()
			return fmt.Errorf("completion failed: %s", frame.Error)
		}
		fmt.Print(frame.Token)
	}
	return scanner.Err()
}

func init() {
	askCmd.Flags().Int("max-tokens", 0, "token budget for the answer (0: server default)")
}

// --- recall ---

var recallCmd = &cobra.Command{
	Use:   "recall <query>",
	Short: "Semantic search over synced content",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/recall?q=%s&limit=%d", url.QueryEscape(query), limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var results []struct {
			ID         string  `json:"id"`
			SourceID   string  `json:"source_id"`
			SourceType string  `json:"source_type"`
			Text       string  `json:"text"`
			Score      float32 `json:"score"`
			Tags       string  `json:"tags"`
		}
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}

		if len(results) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for i, r := range results {
			fmt.Printf("\n%s [%s, score: %.3f]\n",
				colorize(colorBold, fmt.Sprintf("Result %d", i+1)), r.SourceType, r.Score)
			text := r.Text
			if len(text) > 500 {
				text = text[:500] + "..."
			}
			fmt.Printf("  %s\n", text)
		}
		return nil
	},
}

func init() {
	recallCmd.Flags().Int("limit", 5, "maximum number of results")
}

// --- interrupt ---

var interruptCmd = &cobra.Command{
	Use:   "interrupt",
	Short: "Stop all in-flight completions",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/interrupt", nil)
		if err != nil {
			return err
		}

		var result struct {
			Stopped int `json:"stopped"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Stopped == 0 {
			fmt.Println("Nothing to stop.")
			return nil
		}
		printSuccess("Stopped %d completion(s)", result.Stopped)
		return nil
	},
}

// --- connections ---

var connectionsCmd = &cobra.Command{
	Use:   "connections",
	Short: "Manage provider connections",
}

var connectionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List connected accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/connections")
		if err != nil {
			return err
		}

		var conns []struct {
			Email      string `json:"email"`
			Provider   string `json:"provider"`
			Scope      string `json:"scope"`
			LastSynced string `json:"last_synced"`
		}
		if err := decodeJSON(resp, &conns); err != nil {
			return err
		}

		if len(conns) == 0 {
			fmt.Println("No connections.")
			return nil
		}

		for _, c := range conns {
			synced := c.LastSynced
			if synced == "" {
				synced = "never"
			}
			fmt.Printf("%s  %s/%s  last synced: %s\n",
				colorize(colorCyan, c.Email), c.Provider, c.Scope, synced)
		}
		return nil
	},
}

var connectionsRemoveCmd = &cobra.Command{
	Use:   "remove <email>",
	Short: "Sign out an account and forget its tokens",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/connections/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			return fmt.Errorf("server returned %d", resp.StatusCode)
		}

		printSuccess("Signed out %s", args[0])
		return nil
	},
}

func init() {
	connectionsCmd.AddCommand(connectionsListCmd)
	connectionsCmd.AddCommand(connectionsRemoveCmd)
}

// --- feed ---

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Show recent assistant feed items",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/feed")
		if err != nil {
			return err
		}

		var items []struct {
			Title     string `json:"title"`
			Body      string `json:"body"`
			CreatedAt string `json:"created_at"`
		}
		if err := decodeJSON(resp, &items); err != nil {
			return err
		}

		if len(items) == 0 {
			fmt.Println("Feed is empty.")
			return nil
		}

		for _, item := range items {
			fmt.Printf("\n%s  %s\n", colorize(colorBold, item.Title), item.CreatedAt)
			if item.Body != "" {
				fmt.Printf("  %s\n", item.Body)
			}
		}
		return nil
	},
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

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
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
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
