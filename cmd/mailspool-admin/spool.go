package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/migadu/mailspool/helpers"
	"github.com/migadu/mailspool/logger"
	"github.com/migadu/mailspool/server/adminapi"
	"github.com/migadu/mailspool/spool"
)

func handleSpoolCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printSpoolUsage()
		os.Exit(1)
	}

	subcommand := os.Args[2]
	switch subcommand {
	case "list", "ls":
		handleSpoolList(ctx)
	case "show":
		handleSpoolShow(ctx)
	case "remove", "rm":
		handleSpoolRemove(ctx)
	case "submit":
		handleSpoolSubmit(ctx)
	case "stats":
		handleSpoolStats(ctx)
	case "help", "--help", "-h":
		printSpoolUsage()
	default:
		fmt.Printf("Unknown spool subcommand: %s\n\n", subcommand)
		printSpoolUsage()
		os.Exit(1)
	}
}

func printSpoolUsage() {
	fmt.Printf(`Spool management

The commands talk to a running mailspool through its admin API
([admin_cli] addr and api_key in the configuration file).

Usage:
  mailspool-admin spool <subcommand> [options]

Subcommands:
  list      List spooled items, optionally filtered
  show      Show one item
  remove    Remove one item by key, or every item matching a filter
  submit    Submit a message
  stats     Show item counts per state

Filters (list, remove):
  --state string       Only items in this state
  --attribute string   Only items carrying this attribute
  --pattern string     Glob the attribute value must match (requires --attribute)

Examples:
  mailspool-admin spool list --state error
  mailspool-admin spool list --repository archive
  mailspool-admin spool show 6f1c...
  mailspool-admin spool remove --attribute customer --pattern 'acme-*'
  mailspool-admin spool submit --from a@example.com --to b@example.com --file msg.eml
`)
}

type spoolFlags struct {
	fs         *flag.FlagSet
	configPath *string
	state      *string
	attribute  *string
	pattern    *string
}

func newSpoolFlags(name string) *spoolFlags {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	return &spoolFlags{
		fs:         fs,
		configPath: fs.String("config", "config.toml", "Path to TOML configuration file"),
		state:      fs.String("state", "", "Only items in this state"),
		attribute:  fs.String("attribute", "", "Only items carrying this attribute"),
		pattern:    fs.String("pattern", "", "Glob the attribute value must match"),
	}
}

func (f *spoolFlags) parse() {
	if err := f.fs.Parse(os.Args[3:]); err != nil {
		logger.Fatalf("Error parsing flags: %v", err)
	}
}

func (f *spoolFlags) query() url.Values {
	q := url.Values{}
	if *f.state != "" {
		q.Set("state", *f.state)
	}
	if *f.attribute != "" {
		q.Set("attribute", *f.attribute)
	}
	if *f.pattern != "" {
		q.Set("pattern", *f.pattern)
	}
	return q
}

func (f *spoolFlags) client() *apiClient {
	cfg := loadConfig(*f.configPath)
	return newAPIClient(cfg.AdminCLI)
}

func handleSpoolList(ctx context.Context) {
	f := newSpoolFlags("spool list")
	repository := f.fs.String("repository", "", "List a secondary repository instead of the spool")
	jsonOutput := f.fs.Bool("json", false, "Output in JSON format")
	f.parse()

	q := f.query()
	if *repository != "" {
		q.Set("repository", *repository)
	}

	var resp adminapi.ListResponse
	if err := f.client().call(ctx, "GET", "/api/v1/spool", q, nil, "", &resp); err != nil {
		logger.Fatalf("Failed to list spool: %v", err)
	}

	if *jsonOutput {
		printJSON(resp)
		return
	}
	printSummaries(os.Stdout, resp.Items)
}

func printSummaries(w io.Writer, items []spool.Summary) {
	if len(items) == 0 {
		fmt.Fprintln(w, "No items found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSTATE\tSENDER\tRCPTS\tSIZE\tUPDATED\tLOCKED\tERROR")
	for _, it := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%t\t%s\n",
			it.Key, it.State, it.Sender, len(it.Recipients), it.Size, it.LastUpdated, it.Locked,
			helpers.Truncate(it.ErrorMessage, 60))
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d item(s)\n", len(items))
}

func handleSpoolShow(ctx context.Context) {
	f := newSpoolFlags("spool show")
	payload := f.fs.Bool("payload", false, "Include the raw message")
	f.parse()

	if f.fs.NArg() != 1 {
		fmt.Println("Usage: mailspool-admin spool show [--payload] <key>")
		os.Exit(1)
	}

	q := url.Values{}
	if *payload {
		q.Set("payload", "true")
	}
	var resp adminapi.ShowResponse
	if err := f.client().call(ctx, "GET", "/api/v1/spool/"+url.PathEscape(f.fs.Arg(0)), q, nil, "", &resp); err != nil {
		logger.Fatalf("Failed to show item: %v", err)
	}
	printJSON(resp)
}

func handleSpoolRemove(ctx context.Context) {
	f := newSpoolFlags("spool remove")
	force := f.fs.Bool("force", false, "Also remove items currently locked by a worker")
	all := f.fs.Bool("all", false, "Remove every item when no filter is given")
	f.parse()

	q := f.query()
	if *force {
		q.Set("force", "true")
	}

	var res spool.RemoveResult
	var err error
	switch {
	case f.fs.NArg() == 1:
		if len(f.query()) > 0 {
			fmt.Println("Error: a key and filters are mutually exclusive")
			os.Exit(1)
		}
		err = f.client().call(ctx, "DELETE", "/api/v1/spool/"+url.PathEscape(f.fs.Arg(0)), q, nil, "", &res)
	case f.fs.NArg() == 0:
		if *all {
			q.Set("all", "true")
		}
		err = f.client().call(ctx, "DELETE", "/api/v1/spool", q, nil, "", &res)
	default:
		fmt.Println("Usage: mailspool-admin spool remove [--force] (<key> | filters [--all])")
		os.Exit(1)
	}
	if err != nil {
		logger.Fatalf("Failed to remove: %v", err)
	}

	fmt.Printf("Removed %d item(s)\n", len(res.Removed))
	for _, k := range res.Removed {
		fmt.Printf("  %s\n", k)
	}
	if len(res.Skipped) > 0 {
		fmt.Printf("Skipped %d locked item(s); use --force to remove them\n", len(res.Skipped))
	}
}

func handleSpoolSubmit(ctx context.Context) {
	f := newSpoolFlags("spool submit")
	from := f.fs.String("from", "", "Envelope sender (empty or <> for the null sender)")
	to := f.fs.String("to", "", "Comma-separated envelope recipients (required)")
	file := f.fs.String("file", "-", "Message file, - for stdin")
	f.parse()

	if *to == "" {
		fmt.Println("Error: --to is required")
		os.Exit(1)
	}

	var (
		message []byte
		err     error
	)
	if *file == "-" {
		message, err = io.ReadAll(os.Stdin)
	} else {
		message, err = os.ReadFile(*file)
	}
	if err != nil {
		logger.Fatalf("Failed to read message: %v", err)
	}

	q := url.Values{}
	q.Set("from", *from)
	q.Set("recipients", *to)

	var resp adminapi.SubmitResponse
	if err := f.client().call(ctx, "POST", "/api/v1/spool", q, bytes.NewReader(message), "message/rfc822", &resp); err != nil {
		logger.Fatalf("Failed to submit message: %v", err)
	}
	fmt.Printf("Submitted %s (state %s, %d recipient(s))\n", resp.Key, resp.State, len(resp.Recipients))
}

func handleSpoolStats(ctx context.Context) {
	f := newSpoolFlags("spool stats")
	jsonOutput := f.fs.Bool("json", false, "Output in JSON format")
	f.parse()

	var stats adminapi.StatsResponse
	if err := f.client().call(ctx, "GET", "/api/v1/spool/stats", nil, nil, "", &stats); err != nil {
		logger.Fatalf("Failed to get stats: %v", err)
	}

	if *jsonOutput {
		printJSON(stats)
		return
	}
	printStats(os.Stdout, stats)
}

func printStats(w io.Writer, stats adminapi.StatsResponse) {
	fmt.Fprintf(w, "Items:  %d\n", stats.Keys)
	fmt.Fprintf(w, "Locked: %d\n", stats.Locked)

	states := make([]string, 0, len(stats.ByState))
	for s := range stats.ByState {
		states = append(states, s)
	}
	sort.Strings(states)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\nSTATE\tCOUNT")
	for _, s := range states {
		fmt.Fprintf(tw, "%s\t%s\n", s, strconv.Itoa(stats.ByState[s]))
	}
	tw.Flush()

	if len(stats.Repositories) > 0 {
		fmt.Fprintf(w, "\nRepositories: %s\n", strings.Join(stats.Repositories, ", "))
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		logger.Fatalf("Failed to encode JSON: %v", err)
	}
}
