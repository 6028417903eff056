package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"convo-indexer/internal/contextutil"
	"convo-indexer/internal/discovery"
	"convo-indexer/internal/scheduler"
	"convo-indexer/internal/state"
)

func scanCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List files that would be queued, with their freshness tier (dry run)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := contextutil.WithLogger(cmd.Context(), slog.Default())
			store, err := loadState(ctx)
			if err != nil {
				return err
			}
			scanner := discovery.NewScanner(discovery.Config{
				Roots:      cfg.WatchRoots,
				Pattern:    cfg.FilePattern,
				HotWindow:  cfg.HotWindow,
				WarmWindow: cfg.WarmWindow,
			})
			items, report, err := scanner.Scan(ctx, store, time.Now())
			if err != nil {
				return err
			}
			return printScan(cmd.OutOrStdout(), store, items, report, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func stateCmd() *cobra.Command {
	var jsonOutput bool
	var showFiles bool
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Print the saved indexing state",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := loadState(contextutil.WithLogger(cmd.Context(), slog.Default()))
			if err != nil {
				return err
			}
			return printState(cmd.OutOrStdout(), store.Snapshot(), showFiles, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().BoolVar(&showFiles, "files", false, "list every tracked file")
	return cmd
}

// loadState reads the state file for inspection. A file that does not
// decode is reported here rather than moved aside the way run does.
func loadState(ctx context.Context) (*state.Store, error) {
	data, err := os.ReadFile(cfg.StatePath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	if err == nil && !json.Valid(data) {
		return nil, fmt.Errorf("%w: %s", state.ErrCorrupt, cfg.StatePath)
	}
	store := state.NewStore(cfg.StatePath)
	if err := store.Load(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

type scanRow struct {
	Path   string `json:"path"`
	Tier   string `json:"tier"`
	Size   int64  `json:"size"`
	Offset int64  `json:"offset"`
	Reset  bool   `json:"reset,omitempty"`
}

func printScan(w io.Writer, store *state.Store, items []scheduler.WorkItem, report discovery.Report, jsonOutput bool) error {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Tier != items[j].Tier {
			return items[i].Tier > items[j].Tier
		}
		return items[i].ModTime.After(items[j].ModTime)
	})

	rows := make([]scanRow, len(items))
	for i, it := range items {
		rec, _ := store.Lookup(it.Path)
		rows[i] = scanRow{Path: it.Path, Tier: it.Tier.String(), Size: it.Size, Offset: rec.Offset, Reset: it.Reset}
	}

	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		byTier := make(map[string]int, len(report.ByTier))
		for tier, n := range report.ByTier {
			byTier[tier.String()] = n
		}
		return enc.Encode(map[string]any{
			"files":      rows,
			"seen":       report.Seen,
			"candidates": report.Candidates,
			"below_mark": report.BelowMark,
			"unchanged":  report.Unchanged,
			"truncated":  report.Truncated,
			"errors":     report.Errors,
			"by_tier":    byTier,
		})
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIER\tUNREAD\tPATH")
	for _, r := range rows {
		unread := fmt.Sprintf("%d", r.Size-r.Offset)
		if r.Reset {
			unread = "reset"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Tier, unread, r.Path)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d seen, %d to process, %d below mark, %d unchanged, %d truncated, %d errors\n",
		report.Seen, report.Candidates, report.BelowMark, report.Unchanged, report.Truncated, report.Errors)
	return nil
}

func printState(w io.Writer, st *state.PipelineState, showFiles, jsonOutput bool) error {
	summary := st.Summarize()
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if showFiles {
			return enc.Encode(map[string]any{"summary": summary, "files": st.Sorted()})
		}
		return enc.Encode(summary)
	}

	fmt.Fprintf(w, "Files:           %d\n", summary.Files)
	fmt.Fprintf(w, "Projects:        %d\n", summary.Projects)
	fmt.Fprintf(w, "Bytes indexed:   %d\n", summary.BytesIndexed)
	fmt.Fprintf(w, "Lines indexed:   %d\n", summary.LinesIndexed)
	fmt.Fprintf(w, "Chunks:          %d\n", summary.Chunks)
	fmt.Fprintf(w, "Pending files:   %d\n", summary.Pending)
	if summary.HighWaterMark.IsZero() {
		fmt.Fprintln(w, "High-water mark: none")
	} else {
		fmt.Fprintf(w, "High-water mark: %s\n", summary.HighWaterMark.Format(time.RFC3339))
	}

	if !showFiles {
		return nil
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROJECT\tCONVERSATION\tOFFSET\tLINES\tCHUNKS\tLAST INDEXED")
	for _, f := range st.Sorted() {
		last := "-"
		if !f.LastIndexedAt.IsZero() {
			last = f.LastIndexedAt.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n", f.Project, f.ConversationID, f.Offset, f.Lines, f.NextSeq, last)
	}
	return tw.Flush()
}
