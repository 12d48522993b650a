// Command catalogctl talks to a running catalog engine over its RPC port.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/internal/engine/rpc"
)

var (
	flagAddr    string
	flagTimeout time.Duration
	flagJSON    bool
)

var rootCmd = &cobra.Command{
	Use:          "catalogctl",
	Short:        "Admit, search and inspect catalog entries on a running engine",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagAddr, "addr", "localhost:9300", "engine RPC address")
	rootCmd.PersistentFlags().DurationVar(&flagTimeout, "timeout", 10*time.Second, "per-call timeout")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "print raw JSON responses")
}

// withClient dials the engine and runs fn under the call timeout.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *rpc.Client) error) error {
	c, err := rpc.Dial(flagAddr)
	if err != nil {
		return fmt.Errorf("cannot reach engine at %s: %w", flagAddr, err)
	}
	defer c.Close()
	ctx, cancel := context.WithTimeout(cmd.Context(), flagTimeout)
	defer cancel()
	return fn(ctx, c)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
