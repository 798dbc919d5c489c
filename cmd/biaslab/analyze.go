package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bias-lab/biaslab-go/internal/article"
	"github.com/bias-lab/biaslab-go/internal/bias"
)

var (
	analyzeJSON   bool
	analyzeTitle  string
	analyzeSource string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <url|->",
	Short: "Score one article locally without the database",
	Long: `Fetches and scores a single article through the configured cascade.
Pass "-" to read the article text from stdin instead of fetching a URL.

Example:
  biaslab analyze https://www.axios.com/2025/08/09/some-story
  cat story.txt | biaslab analyze - --title "Story" --source Axios`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().BoolVar(&analyzeJSON, "json", false, "print the full result as JSON")
	analyzeCmd.Flags().StringVar(&analyzeTitle, "title", "", "title for stdin input")
	analyzeCmd.Flags().StringVar(&analyzeSource, "source", "", "source name for stdin input")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var (
		doc *article.Article
		err error
	)
	if args[0] == "-" {
		raw, rerr := io.ReadAll(cmd.InOrStdin())
		if rerr != nil {
			return fmt.Errorf("read stdin: %w", rerr)
		}
		doc, err = article.FromText(string(raw), analyzeTitle, analyzeSource, "")
	} else {
		doc, err = newFetcher().Fetch(ctx, args[0])
	}
	if err != nil {
		return err
	}

	res := scoringPipeline(ctx).Score(ctx, doc, func(percent int, step string) {
		logger.Debug("analysis progress", "progress", percent, "step", step)
	})

	out := cmd.OutOrStdout()
	if analyzeJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printResult(out, doc, res)
	return nil
}

func printResult(w io.Writer, doc *article.Article, res *bias.Result) {
	fmt.Fprintf(w, "%s\n", doc.Title)
	if doc.Source != "" {
		fmt.Fprintf(w, "source: %s, %d words\n", doc.Source, doc.WordCount)
	}
	fmt.Fprintf(w, "\nbias index %d (%s), confidence %.2f, classifier %s\n\n",
		res.BiasIndex, res.Band, res.Confidence, res.Classifier)

	for _, d := range bias.Dimensions() {
		fmt.Fprintf(w, "  %-20s %3d\n", d, res.Scores.Get(d))
		if phrases := res.Highlights[d]; len(phrases) > 0 {
			fmt.Fprintf(w, "  %-20s %s\n", "", strings.Join(phrases, "; "))
		}
	}
	if len(res.Insights) > 0 {
		fmt.Fprintln(w)
		for _, in := range res.Insights {
			fmt.Fprintf(w, "- %s\n", in.Message)
		}
	}
}
