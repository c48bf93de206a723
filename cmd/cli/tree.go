package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kosarica/marketplace-service/internal/categories"
	"github.com/kosarica/marketplace-service/internal/database"
)

var treeAll bool

// treeCmd prints the category hierarchy
var treeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Print the category tree",
	Long:  `Print every category indented under its parent with its level, slug and product count.`,
	Example: `  marketplace tree
  marketplace tree --all`,
	RunE: runTree,
}

func init() {
	rootCmd.AddCommand(treeCmd)
	treeCmd.Flags().BoolVar(&treeAll, "all", false, "Include inactive categories")
}

func runTree(cmd *cobra.Command, args []string) error {
	tree := categories.NewTree(database.Pool(), logger)
	roots, err := tree.Tree(cmd.Context(), !treeAll)
	if err != nil {
		return err
	}
	if len(roots) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No categories")
		return nil
	}
	printNodes(cmd.OutOrStdout(), roots, 0)
	return nil
}

func printNodes(w io.Writer, nodes []*categories.Node, depth int) {
	for _, n := range nodes {
		marker := ""
		if !n.IsActive {
			marker = " (inactive)"
		}
		fmt.Fprintf(w, "%s%s [%s] level=%d products=%d%s\n",
			strings.Repeat("  ", depth), n.Name, n.Slug, n.Level, n.ProductCount, marker)
		printNodes(w, n.Children, depth+1)
	}
}
