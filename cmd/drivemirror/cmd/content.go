package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var catCmd = &cobra.Command{
	Use:   "cat <path>",
	Short: "Print the content of a file",
	Long:  `Print the content of a file. Cached content is used while the remote modification time is unchanged.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			e, err := a.resolve(args[0])
			if err != nil {
				return err
			}
			content, err := a.coord.FetchContent(ctx, e.LocalID)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(content.Data)
			return err
		})
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download <path>",
	Short: "Save a file to a local directory",
	Long:  `Save a file to a local directory. Google documents are exported as PDF.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("out")
		return withApp(func(ctx context.Context, a *app) error {
			e, err := a.resolve(args[0])
			if err != nil {
				return err
			}
			target, err := a.coord.Download(ctx, e.LocalID, dir)
			if err != nil {
				return err
			}
			fmt.Printf("saved %s\n", target)
			return nil
		})
	},
}

var prefetchCmd = &cobra.Command{
	Use:   "prefetch",
	Short: "Fill the content cache with every file of the tree",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			report, err := a.coord.PrefetchAll(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%d files: %d cached, %d fetched, %d failed; %d stale entries pruned\n",
				report.Files, report.Cached, report.Fetched, report.Failed, report.Pruned)
			if report.Failed > 0 {
				return fmt.Errorf("%d files could not be fetched", report.Failed)
			}
			return nil
		})
	},
}

func init() {
	downloadCmd.Flags().StringP("out", "o", ".", "directory to save into")

	rootCmd.AddCommand(catCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(prefetchCmd)
}
