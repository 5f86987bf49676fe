package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
)

var statsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show resolution and cache statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(cmd.Context()); err != nil {
			return err
		}

		stats, err := st.Stats(cmd.Context())
		if err != nil {
			return err
		}

		if statsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		}

		fmt.Printf("Locations:  %d total, %d resolved, %d unresolved\n",
			stats.Total, stats.Resolved, stats.Unresolved)

		fmt.Println("Tiers:")
		for _, tier := range sortedKeys(stats.TierCounts) {
			fmt.Printf("  %-10s %d\n", tier, stats.TierCounts[tier])
		}

		fmt.Println("Confidence:")
		for _, bucket := range []string{"high", "medium", "low"} {
			if n, ok := stats.ConfidenceBuckets[bucket]; ok {
				fmt.Printf("  %-10s %d\n", bucket, n)
			}
		}

		fmt.Printf("Cache:      %d entries, %d hits (%.1f%% hit rate)\n",
			stats.CacheEntries, stats.CacheHits, stats.CacheHitRate*100)
		return nil
	},
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "emit stats as JSON")
	rootCmd.AddCommand(statsCmd)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
