package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/engine/rpc"
	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/proto"
)

var (
	flagSeller    string
	flagCategory  string
	flagPrice     float64
	flagQuantity  int
	flagTolerance int
	flagMode      string
)

var admitCmd = &cobra.Command{
	Use:   "admit <name>",
	Short: "Admit a new catalog entry unless the name already exists",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := proto.AdmitRequest{
			Name:     strings.Join(args, " "),
			SellerID: flagSeller,
			Category: flagCategory,
			Price:    flagPrice,
			Quantity: int32(flagQuantity),
		}
		return withClient(cmd, func(ctx context.Context, c *rpc.Client) error {
			res, err := c.CheckAndAdmit(ctx, req)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(os.Stdout, res)
			}
			return printAdmit(os.Stdout, res)
		})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <text>",
	Short: "Find catalog names within an edit-distance tolerance",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := proto.FuzzySearchRequest{Text: strings.Join(args, " "), Tolerance: toleranceFlag(cmd)}
		return withClient(cmd, func(ctx context.Context, c *rpc.Client) error {
			res, err := c.FuzzySearch(ctx, req)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(os.Stdout, res)
			}
			return printHits(os.Stdout, res)
		})
	},
}

var batchCmd = &cobra.Command{
	Use:   "batch <text>...",
	Short: "Run several fuzzy searches in one call",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := proto.BatchSearchRequest{Queries: args, Tolerance: toleranceFlag(cmd)}
		return withClient(cmd, func(ctx context.Context, c *rpc.Client) error {
			res, err := c.BatchSearch(ctx, req)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(os.Stdout, res)
			}
			for _, item := range res.Items {
				fmt.Fprintf(os.Stdout, "== %s\n", item.Query)
				if item.Error != "" {
					fmt.Fprintf(os.Stdout, "error: %s\n", item.Error)
					continue
				}
				if err := printHits(os.Stdout, *item.Result); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <query>",
	Short: "List past transactions for items matching a name",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := proto.HistoryLookupRequest{Query: strings.Join(args, " "), Mode: flagMode}
		return withClient(cmd, func(ctx context.Context, c *rpc.Client) error {
			res, err := c.HistoryLookup(ctx, req)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(os.Stdout, res)
			}
			return printHistory(os.Stdout, res)
		})
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Delete a catalog entry by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("id must be an integer: %q", args[0])
		}
		return withClient(cmd, func(ctx context.Context, c *rpc.Client) error {
			e, err := c.Remove(ctx, id)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(os.Stdout, e)
			}
			fmt.Fprintf(os.Stdout, "removed %d %s\n", e.ID, e.DisplayName)
			return nil
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show structure versions, sizes and breaker states",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *rpc.Client) error {
			st, err := c.Stats(ctx)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(os.Stdout, st)
			}
			return printStats(os.Stdout, st)
		})
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild every derived structure from the authoritative sources",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *rpc.Client) error {
			r, err := c.Rebuild(ctx)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(os.Stdout, r)
			}
			fmt.Fprintf(os.Stdout, "snapshot %d: %d names, %d transactions in %s\n",
				r.SnapshotVersion, r.Names, r.Transactions, time.Duration(r.DurationMs)*time.Millisecond)
			return nil
		})
	},
}

func init() {
	admitCmd.Flags().StringVar(&flagSeller, "seller", "", "seller id")
	admitCmd.Flags().StringVar(&flagCategory, "category", "", "item category")
	admitCmd.Flags().Float64Var(&flagPrice, "price", 0, "unit price")
	admitCmd.Flags().IntVar(&flagQuantity, "quantity", 0, "quantity on hand")
	for _, c := range []*cobra.Command{searchCmd, batchCmd} {
		c.Flags().IntVarP(&flagTolerance, "tolerance", "t", 0, "maximum edit distance (engine default when unset)")
	}
	historyCmd.Flags().StringVar(&flagMode, "mode", "substring", "match mode: exact or substring")

	rootCmd.AddCommand(admitCmd, searchCmd, batchCmd, historyCmd, removeCmd, statsCmd, rebuildCmd)
}

// toleranceFlag returns nil unless --tolerance was given, so the engine
// applies its own default.
func toleranceFlag(cmd *cobra.Command) *int32 {
	if !cmd.Flags().Changed("tolerance") {
		return nil
	}
	t := int32(flagTolerance)
	return &t
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printAdmit(w io.Writer, r proto.AdmitResponse) error {
	if r.Entry != nil {
		fmt.Fprintf(w, "accepted %q as id %d\n", r.Entry.DisplayName, r.Entry.ID)
	} else {
		fmt.Fprintf(w, "rejected %q: %s\n", r.Name, r.Reason)
	}
	if len(r.Similar) == 0 {
		return nil
	}
	fmt.Fprintln(w, "similar names:")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, m := range r.Similar {
		fmt.Fprintf(tw, "  %s\t%d\n", m.Name, m.Distance)
	}
	return tw.Flush()
}

func printHits(w io.Writer, r proto.FuzzySearchResponse) error {
	if len(r.Hits) == 0 {
		fmt.Fprintf(w, "no names within %d of %q\n", r.Tolerance, r.Query)
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DIST\tID\tNAME\tSELLER\tPRICE\tQTY")
	for _, h := range r.Hits {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%.2f\t%d\n",
			h.Distance, h.Entry.ID, h.Entry.DisplayName, h.Entry.SellerID, h.Entry.Price, h.Entry.Quantity)
	}
	if r.Stale {
		fmt.Fprintln(tw, "(served from a stale snapshot)")
	}
	return tw.Flush()
}

func printHistory(w io.Writer, r proto.HistoryLookupResponse) error {
	if len(r.Entries) == 0 {
		fmt.Fprintf(w, "no transactions for %q\n", r.Query)
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tBUYER\tITEM\tQTY\tTX")
	for _, h := range r.Entries {
		when := time.UnixMilli(h.Transaction.Timestamp).UTC().Format(time.RFC3339)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			when, h.Transaction.Buyer, h.Item.DisplayName, h.Transaction.Quantity, h.Transaction.TransactionID)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "buyers: %s\n", strings.Join(r.Buyers, ", "))
	return nil
}

func printStats(w io.Writer, st proto.StatsResponse) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "snapshot\tv%d\t%d names, age %s, stale=%t\n", st.SnapshotVersion, st.SnapshotNames, st.SnapshotAge, st.SnapshotStale)
	fmt.Fprintf(tw, "oracle\tv%d\tpending %d, est. fp %s\n", st.OracleVersion, st.OraclePendingLog, st.OracleFPRate)
	fmt.Fprintf(tw, "matcher\tv%d\t%d names\n", st.MatcherVersion, st.MatcherNames)
	fmt.Fprintf(tw, "history\tv%d\t%d transactions, tail %d\n", st.HistoryVersion, st.Transactions, st.HistoryTail)
	fmt.Fprintf(tw, "breakers\t\tcatalog %s, history %s\n", st.CatalogBreaker, st.HistoryBreaker)
	if st.LastRebuildAt > 0 {
		fmt.Fprintf(tw, "rebuilt\t\t%s\n", time.UnixMilli(st.LastRebuildAt).UTC().Format(time.RFC3339))
	}
	if st.LastRebuildError != "" {
		fmt.Fprintf(tw, "last error\t\t%s\n", st.LastRebuildError)
	}
	return tw.Flush()
}
