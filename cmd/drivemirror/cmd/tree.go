package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/drivemirror/internal/tree"
)

var treeCmd = &cobra.Command{
	Use:   "tree [path]",
	Short: "Print the mirrored tree",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			start, err := a.resolve(pathArg(args))
			if err != nil {
				return err
			}
			t := a.coord.Snapshot()
			fmt.Println(displayName(start))
			printTree(os.Stdout, t, start.LocalID, "")
			return nil
		})
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls [path]",
	Short: "List a folder",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			e, err := a.resolve(pathArg(args))
			if err != nil {
				return err
			}
			t := a.coord.Snapshot()
			children := []tree.Entry{e}
			if e.IsContainer {
				children = sortedChildren(t, e.LocalID)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TYPE\tSIZE\tMODIFIED\tNAME")
			for _, c := range children {
				kind, size := "file", formatSize(c.Size)
				if c.IsContainer {
					kind, size = "dir", "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", kind, size, formatTime(c.ModifiedAt), c.Name)
			}
			return w.Flush()
		})
	},
}

func init() {
	rootCmd.AddCommand(treeCmd)
	rootCmd.AddCommand(lsCmd)
}

func pathArg(args []string) string {
	if len(args) == 0 {
		return "/"
	}
	return args[0]
}

func displayName(e tree.Entry) string {
	if e.IsContainer {
		return e.Name + "/"
	}
	return e.Name
}

// sortedChildren lists folders first, then files, each by name.
func sortedChildren(t *tree.Tree, id string) []tree.Entry {
	children := t.ChildrenOf(id)
	sort.Slice(children, func(i, j int) bool {
		if children[i].IsContainer != children[j].IsContainer {
			return children[i].IsContainer
		}
		return children[i].Name < children[j].Name
	})
	return children
}

func printTree(w io.Writer, t *tree.Tree, id, indent string) {
	children := sortedChildren(t, id)
	for i, c := range children {
		branch, next := "├── ", "│   "
		if i == len(children)-1 {
			branch, next = "└── ", "    "
		}
		fmt.Fprintf(w, "%s%s%s\n", indent, branch, displayName(c))
		if c.IsContainer {
			printTree(w, t, c.LocalID, indent+next)
		}
	}
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// joinNames renders entry names for confirmations.
func joinNames(entries []tree.Entry) string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.NamePath
	}
	return strings.Join(names, ", ")
}
