package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the content cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show content cache usage for the current root",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cache, err := openCache(cfg)
		if err != nil {
			return err
		}
		defer cache.Close()

		st, err := cache.Stats(cmd.Context())
		if err != nil {
			return err
		}
		limit := "unlimited"
		if st.MaxBytes > 0 {
			limit = formatSize(st.MaxBytes)
		}
		fmt.Printf("scope:    %s\n", st.Scope)
		fmt.Printf("dir:      %s\n", cfg.CacheDir)
		fmt.Printf("entries:  %d\n", st.Entries)
		fmt.Printf("stored:   %s (%s uncompressed)\n", formatSize(st.Bytes), formatSize(st.RawBytes))
		fmt.Printf("limit:    %s\n", limit)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop all cached content for the current root",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cache, err := openCache(cfg)
		if err != nil {
			return err
		}
		defer cache.Close()

		n, err := cache.Clear(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("removed %d cached files\n", n)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}
