package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bias-lab/biaslab-go/internal/bias"
	"github.com/bias-lab/biaslab-go/internal/config"
)

const story = `Officials said on Tuesday that the city council approved the budget after
a lengthy debate. According to the published minutes, the vote was 7 to 2.
Critics slammed the outrageous plan as a disaster, while supporters said the
measure would fund schools and road repairs over the next three years.`

func setup(t *testing.T) {
	t.Helper()
	cfg = &config.Config{
		DeepAnalysisThreshold: 60,
		FetchTimeout:          time.Second,
		FetchMaxBytes:         1 << 20,
	}
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func runCmd(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	cmd := &cobra.Command{RunE: runAnalyze, Args: cobra.ExactArgs(1)}
	cmd.Flags().AddFlagSet(analyzeCmd.Flags())
	var out bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	return out.String()
}

func TestAnalyzeStdinJSON(t *testing.T) {
	setup(t)
	t.Cleanup(func() { analyzeJSON, analyzeTitle, analyzeSource = false, "", "" })

	out := runCmd(t, story, "-", "--json", "--title", "Budget vote", "--source", "Example Times")

	var res bias.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "lexicon", res.Classifier)
	require.NoError(t, res.Scores.Validate())
}

func TestAnalyzeStdinText(t *testing.T) {
	setup(t)
	t.Cleanup(func() { analyzeJSON, analyzeTitle, analyzeSource = false, "", "" })

	out := runCmd(t, story, "-", "--title", "Budget vote", "--source", "Example Times")
	assert.True(t, strings.HasPrefix(out, "Budget vote\nsource: Example Times"), out)
	for _, d := range bias.Dimensions() {
		assert.Contains(t, out, string(d))
	}
	assert.Contains(t, out, "bias index")
}

func TestAnalyzeRejectsBadURL(t *testing.T) {
	setup(t)
	cmd := &cobra.Command{RunE: runAnalyze}
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"ftp://example.com/x"})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	assert.Error(t, cmd.ExecuteContext(context.Background()))
}
