package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/disintegration/imaging"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/livematch/internal/metrics"
	"github.com/andresmejia3/livematch/internal/protocol"
	"github.com/andresmejia3/livematch/internal/query"
	"github.com/andresmejia3/livematch/internal/session"
	"github.com/andresmejia3/livematch/internal/utils"
)

var matchCmd = &cobra.Command{
	Use:   "match <image_path> <text>...",
	Short: "Rank text descriptions against a single image",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runMatch(cmd.Context(), args[0], args[1:])
	},
}

func init() {
	rootCmd.AddCommand(matchCmd)
}

func runMatch(ctx context.Context, imagePath string, texts []string) error {
	texts, err := cleanTexts(texts)
	if err != nil {
		return err
	}

	img, err := imaging.Open(imagePath, imaging.AutoOrientation(true))
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}
	input := utils.ResizeFrame(utils.FromImage(img), session.InputSize, session.InputSize)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	rt, w, err := startEncoder(ctx, metrics.New(nil))
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}
	defer func() {
		cancel()
		rt.Close()
		w.Close()
	}()

	if err := rt.Send(ctx, protocol.Load{}); err != nil {
		return err
	}
	if _, err := await[protocol.Ready](ctx, rt, newLoadBar()); err != nil {
		utils.ShowError("Model loading failed", err, w.Cmd)
		return err
	}

	fmt.Fprintln(os.Stderr, "🔍 Embedding image...")
	if err := rt.Send(ctx, protocol.Infer{Seq: 1, Pixels: input.Pix, Width: input.Width, Height: input.Height}); err != nil {
		return err
	}
	if _, err := await[protocol.Result](ctx, rt, nil); err != nil {
		utils.ShowError("Image embedding failed", err, w.Cmd)
		return err
	}

	if err := rt.Send(ctx, protocol.ScoreBatch{Texts: texts}); err != nil {
		return err
	}
	batch, err := await[protocol.BatchResult](ctx, rt, nil)
	if err != nil {
		utils.ShowError("Text scoring failed", err, w.Cmd)
		return err
	}

	items := make([]query.Query, len(batch.Results))
	for i, r := range batch.Results {
		items[i] = query.Query{Text: r.Text, RawScore: r.RawScore, ScaledScore: r.ScaledScore}
	}
	printRanking(query.Rank(items))
	return nil
}

// cleanTexts trims and de-duplicates submitted texts, keeping their order.
func cleanTexts(texts []string) ([]string, error) {
	seen := make(map[string]bool, len(texts))
	out := make([]string, 0, len(texts))
	for _, raw := range texts {
		text, err := query.Clean(raw)
		if err != nil {
			continue
		}
		if !seen[text] {
			seen[text] = true
			out = append(out, text)
		}
	}
	if len(out) == 0 {
		return nil, query.ErrEmpty
	}
	return out, nil
}

func printRanking(ranked []query.Ranked) {
	wOut := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(wOut, "TEXT\tSIMILARITY\tSCORE\tMATCH")
	fmt.Fprintln(wOut, "----\t----------\t-----\t-----")
	for _, q := range ranked {
		match := "-"
		if q.Comparable {
			match = fmt.Sprintf("%.1f%%", q.Probability)
		}
		fmt.Fprintf(wOut, "%s\t%.4f\t%.2f\t%s\n", q.Text, q.RawScore, q.ScaledScore, match)
	}
	wOut.Flush()
}
