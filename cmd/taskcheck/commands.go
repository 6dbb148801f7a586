package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/taskcheck/internal/config"
	"github.com/kalambet/taskcheck/internal/events"
	"github.com/kalambet/taskcheck/internal/orchestrator"
	"github.com/kalambet/taskcheck/internal/task"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- item ---

var itemCmd = &cobra.Command{
	Use:   "item",
	Short: "Manage verifiable items",
}

var itemAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create or replace an item",
	Long: `Create or replace an item.

Examples:
  taskcheck item add --category social --title "Follow us" --url https://x.com/acme --reward 10
  taskcheck item add --id limited_7 --category limited --ends-at 2025-12-31T23:59:59Z --limit 100
  taskcheck item add --category partner --partner-id acme --tracking-id cmp-1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		it, err := itemFromFlags(cmd)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/items", it)
		if err != nil {
			return err
		}

		var saved task.Item
		if err := decodeJSON(resp, &saved); err != nil {
			return err
		}

		printSuccess("Saved item %s (%s)", saved.ID, saved.Category)
		return nil
	},
}

func itemFromFlags(cmd *cobra.Command) (task.Item, error) {
	f := cmd.Flags()
	id, _ := f.GetString("id")
	category, _ := f.GetString("category")
	title, _ := f.GetString("title")
	action, _ := f.GetString("action")
	link, _ := f.GetString("url")
	reward, _ := f.GetInt("reward")
	rewardKind, _ := f.GetString("reward-type")
	limit, _ := f.GetInt("limit")
	target, _ := f.GetInt("target")
	partnerID, _ := f.GetString("partner-id")
	trackingID, _ := f.GetString("tracking-id")
	startsAt, _ := f.GetString("starts-at")
	endsAt, _ := f.GetString("ends-at")

	if id == "" && category == "" {
		return task.Item{}, fmt.Errorf("one of --id or --category is required")
	}

	it := task.Item{
		ID:              id,
		Category:        task.Category(category),
		Title:           title,
		Action:          action,
		URL:             link,
		CompletionLimit: limit,
		Target:          target,
		PartnerID:       partnerID,
		TrackingID:      trackingID,
	}
	if reward > 0 {
		it.Reward = &task.Reward{Kind: rewardKind, Amount: reward}
	}

	var err error
	if it.StartsAt, err = parseTimeFlag("starts-at", startsAt); err != nil {
		return task.Item{}, err
	}
	if it.EndsAt, err = parseTimeFlag("ends-at", endsAt); err != nil {
		return task.Item{}, err
	}
	return it, nil
}

func parseTimeFlag(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be RFC 3339: %w", name, err)
	}
	return t, nil
}

var itemShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an item definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getAndPrint(cmd.Context(), "/items/"+url.PathEscape(args[0]))
	},
}

var itemListCmd = &cobra.Command{
	Use:   "list",
	Short: "List item definitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/items?limit=%d", limit))
		if err != nil {
			return err
		}

		var items []task.Item
		if err := decodeJSON(resp, &items); err != nil {
			return err
		}

		if len(items) == 0 {
			fmt.Println("No items found.")
			return nil
		}

		for _, it := range items {
			fmt.Printf("%s  %-8s  %s\n", colorize(colorCyan, it.ID), it.Category, it.Title)
		}
		return nil
	},
}

var itemStartCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Mark an item as started",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/items/"+url.PathEscape(args[0])+"/start", nil)
		if err != nil {
			return err
		}

		var p task.Progress
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}

		printSuccess("%s is %s (%d/%d)", p.ItemID, p.Status, p.Value, p.Target)
		return nil
	},
}

var itemStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show an item's progress and verification state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		id := url.PathEscape(args[0])

		var p task.Progress
		resp, err := client.get(cmd.Context(), "/items/"+id+"/progress")
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, &p); err != nil {
			p.Status = task.ProgressNotStarted
		}

		var st struct {
			State       string `json:"state"`
			Attempts    int    `json:"attempts"`
			MaxAttempts int    `json:"max_attempts"`
		}
		resp, err = client.get(cmd.Context(), "/items/"+id+"/state")
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}

		printStatus("Progress", "%s (%d/%d)", p.Status, p.Value, p.Target)
		printStatus("Verification", "%s, %d of %d attempts used", st.State, st.Attempts, st.MaxAttempts)
		return nil
	},
}

var itemResetCmd = &cobra.Command{
	Use:   "reset <id>",
	Short: "Unblock an item and drop its cached result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/items/"+url.PathEscape(args[0])+"/reset", nil)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}

		printSuccess("Reset %s", args[0])
		return nil
	},
}

func addItemFlags(c *cobra.Command) {
	f := c.Flags()
	f.String("id", "", "item id (generated from the category when empty)")
	f.String("category", "", "generic, limited, partner or social")
	f.String("title", "", "display title")
	f.String("action", "", "action the user must take")
	f.String("url", "", "target URL")
	f.Int("reward", 0, "reward amount")
	f.String("reward-type", "points", "reward type")
	f.Int("limit", 0, "completion limit for limited items")
	f.Int("target", 0, "progress target")
	f.String("partner-id", "", "partner id for partner items")
	f.String("tracking-id", "", "partner tracking id")
	f.String("starts-at", "", "window start (RFC 3339)")
	f.String("ends-at", "", "window end (RFC 3339)")
}

func init() {
	addItemFlags(itemAddCmd)
	itemListCmd.Flags().Int("limit", 50, "maximum number of items to list")

	itemCmd.AddCommand(itemAddCmd, itemShowCmd, itemListCmd, itemStartCmd, itemStatusCmd, itemResetCmd)
}

// --- verify ---

var verifyCmd = &cobra.Command{
	Use:   "verify <id>",
	Short: "Verify that an item was completed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/items/"+url.PathEscape(args[0])+"/verify", nil)
		if err != nil {
			return err
		}

		var r task.Result
		if err := decodeJSON(resp, &r); err != nil {
			return err
		}

		if asJSON {
			return printJSON(r)
		}
		writeResult(os.Stdout, r)
		if !r.Success {
			return fmt.Errorf("verification of %s did not succeed", r.ItemID)
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().Bool("json", false, "print the raw result")
}

// --- system ---

var systemCmd = &cobra.Command{
	Use:   "system",
	Short: "Inspect and recover runtime modules",
}

func systemReportCmd(use, short, method, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")

			client, err := newAPIClient()
			if err != nil {
				return err
			}

			resp, err := client.do(cmd.Context(), method, path, nil)
			if err != nil {
				return err
			}

			var r orchestrator.Report
			if err := decodeJSON(resp, &r); err != nil {
				return err
			}

			if asJSON {
				return printJSON(r)
			}
			writeReport(os.Stdout, r)
			return nil
		},
	}
}

var verificationResetCmd = &cobra.Command{
	Use:   "reset-verification",
	Short: "Clear every attempt record and cached result",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/verification/reset", nil)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}

		printSuccess("Verification state cleared")
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{
		systemReportCmd("diagnose", "Show the state of every module", "GET", "/system/diagnose"),
		systemReportCmd("recover", "Retry failed critical modules", "POST", "/system/recover"),
		systemReportCmd("reset", "Tear down and reinitialize every module", "POST", "/system/reset"),
	} {
		c.Flags().Bool("json", false, "print the raw report")
		systemCmd.AddCommand(c)
	}
	systemCmd.AddCommand(verificationResetCmd)
}

// --- events ---

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Follow verification and system events",
	RunE: func(cmd *cobra.Command, args []string) error {
		types, _ := cmd.Flags().GetStringSlice("type")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		for _, t := range types {
			q.Add("type", t)
		}
		path := "/events"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		resp, err := client.stream(cmd.Context(), path)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		return followEvents(cmd.Context(), resp.Body, os.Stdout)
	},
}

func init() {
	eventsCmd.Flags().StringSlice("type", nil, "event types to follow (default all)")
}

// followEvents prints each event from an SSE stream on one line.
func followEvents(ctx context.Context, r io.Reader, w io.Writer) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var e events.Event
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			printWarning("malformed event: %v", err)
			continue
		}
		fmt.Fprintf(w, "%s  %s  %s\n",
			e.Timestamp.Local().Format(time.TimeOnly),
			colorize(colorCyan, string(e.Type)),
			e.ItemID,
		)
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("reading event stream: %w", err)
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
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
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

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

func getAndPrint(ctx context.Context, path string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	resp, err := client.get(ctx, path)
	if err != nil {
		return err
	}

	var v any
	if err := decodeJSON(resp, &v); err != nil {
		return err
	}
	return printJSON(v)
}
