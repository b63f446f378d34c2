package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var errNoIndex = errors.New("document index is not configured (set GEMINI_API_KEY or rag.embedder = \"ollama\")")

var indexCmd = &cobra.Command{
	Use:   "index <path>...",
	Short: "Index files or directories for document search",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if a.index == nil {
				return errNoIndex
			}
			for _, p := range args {
				st, err := a.index.Add(ctx, p)
				if err != nil {
					return fmt.Errorf("indexing %s: %w", p, err)
				}
				fmt.Printf("%s: %d documents, %d chunks (%d replaced)\n", p, st.Documents, st.Chunks, st.Replaced)
			}
			return nil
		})
	},
}

var (
	searchK   int
	searchAsk bool
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the indexed documents, or answer a question with --ask",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if a.index == nil {
				return errNoIndex
			}
			if searchAsk {
				p, settings := a.defaultModel()
				ans, err := a.index.Ask(ctx, p, settings, query)
				if err != nil {
					return err
				}
				fmt.Println(ans.Text)
				if len(ans.Sources) > 0 {
					fmt.Println("\nSources:")
					for _, s := range ans.Sources {
						fmt.Printf("  %s#%d\n", s.Chunk.Source, s.Chunk.Index)
					}
				}
				return nil
			}

			results, err := a.index.Search(ctx, query, searchK)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println("No matching documents.")
				return nil
			}
			for i, r := range results {
				fmt.Printf("%d. %s#%d (similarity %.2f", i+1, r.Chunk.Source, r.Chunk.Index, r.Similarity)
				if r.Score > 0 {
					fmt.Printf(", score %.1f", r.Score)
				}
				fmt.Printf(")\n   %s\n", strings.ReplaceAll(strings.TrimSpace(r.Chunk.Text), "\n", "\n   "))
			}
			return nil
		})
	},
}

func init() {
	searchCmd.Flags().IntVarP(&searchK, "top", "k", 5, "Number of results")
	searchCmd.Flags().BoolVar(&searchAsk, "ask", false, "Answer the query as a question using the results")
}
