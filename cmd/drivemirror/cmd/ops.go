package cmd

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/drivemirror/internal/mutation"
	"github.com/fruitsalade/drivemirror/internal/remote"
	"github.com/fruitsalade/drivemirror/internal/tree"
)

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <parent> <name>",
	Short: "Create a folder",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			parent, err := a.resolve(args[0])
			if err != nil {
				return err
			}
			if err := a.submit(ctx, mutation.CreateFolderRequest{Parent: parent.LocalID, Name: args[1]}); err != nil {
				return err
			}
			fmt.Printf("created %s\n", tree.ChildNamePath(parent.NamePath, args[1]))
			return nil
		})
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload <parent> <local-file>",
	Short: "Upload a local file into a folder",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return err
		}
		if info.IsDir() {
			return fmt.Errorf("%s is a directory", args[1])
		}
		name, _ := cmd.Flags().GetString("name")
		if name == "" {
			name = filepath.Base(args[1])
		}
		payload := remote.Payload{
			Name:     name,
			MimeType: mime.TypeByExtension(filepath.Ext(name)),
			Size:     info.Size(),
			Body:     f,
		}

		return withApp(func(ctx context.Context, a *app) error {
			parent, err := a.resolve(args[0])
			if err != nil {
				return err
			}
			if err := a.submit(ctx, mutation.UploadRequest{Parent: parent.LocalID, Payload: payload}); err != nil {
				return err
			}
			fmt.Printf("uploaded %s (%s) to %s\n", name, formatSize(info.Size()), displayName(parent))
			return nil
		})
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <path>...",
	Short: "Delete files or folders",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			entries, err := resolveAll(a, args)
			if err != nil {
				return err
			}
			if err := a.submit(ctx, mutation.DeleteRequest{IDs: ids(entries)}); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", joinNames(entries))
			return nil
		})
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename <path> <new-name>",
	Short: "Rename a file or folder in place",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			e, err := a.resolve(args[0])
			if err != nil {
				return err
			}
			if err := a.submit(ctx, mutation.RenameRequest{ID: e.LocalID, Name: args[1]}); err != nil {
				return err
			}
			fmt.Printf("renamed %s to %s\n", e.NamePath, args[1])
			return nil
		})
	},
}

var mvCmd = &cobra.Command{
	Use:   "mv <path>... <folder>",
	Short: "Move files or folders into a folder",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			entries, err := resolveAll(a, args[:len(args)-1])
			if err != nil {
				return err
			}
			target, err := a.resolve(args[len(args)-1])
			if err != nil {
				return err
			}
			if err := a.submit(ctx, mutation.MoveRequest{IDs: ids(entries), Target: target.LocalID}); err != nil {
				return err
			}
			fmt.Printf("moved %s to %s\n", joinNames(entries), displayName(target))
			return nil
		})
	},
}

var cpCmd = &cobra.Command{
	Use:   "cp <path> <folder>",
	Short: "Copy a file or folder into a folder",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		return withApp(func(ctx context.Context, a *app) error {
			src, err := a.resolve(args[0])
			if err != nil {
				return err
			}
			target, err := a.resolve(args[1])
			if err != nil {
				return err
			}
			if err := a.submit(ctx, mutation.CopyRequest{ID: src.LocalID, Target: target.LocalID, Name: name}); err != nil {
				return err
			}
			fmt.Printf("copied %s to %s\n", src.NamePath, displayName(target))
			return nil
		})
	},
}

func init() {
	uploadCmd.Flags().String("name", "", "name of the uploaded file (default: local file name)")
	cpCmd.Flags().String("name", "", "name of the copy (default: source name)")

	rootCmd.AddCommand(mkdirCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(renameCmd)
	rootCmd.AddCommand(mvCmd)
	rootCmd.AddCommand(cpCmd)
}

func resolveAll(a *app, paths []string) ([]tree.Entry, error) {
	entries := make([]tree.Entry, 0, len(paths))
	for _, p := range paths {
		e, err := a.resolve(p)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func ids(entries []tree.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.LocalID
	}
	return out
}
