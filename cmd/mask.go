package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/livematch/internal/segment"
	"github.com/andresmejia3/livematch/internal/utils"
	"github.com/andresmejia3/livematch/internal/worker"
)

var maskUseModel bool

var maskCmd = &cobra.Command{
	Use:   "mask <image_path>",
	Short: "Print the person segmentation grid of an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runMask(cmd.Context(), args[0])
	},
}

func init() {
	maskCmd.Flags().BoolVar(&maskUseModel, "use-model", false, "Segment with the person segmentation model instead of brightness")
	rootCmd.AddCommand(maskCmd)
}

func runMask(ctx context.Context, imagePath string) error {
	img, err := imaging.Open(imagePath, imaging.AutoOrientation(true))
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}
	frame := utils.FromImage(img)

	var strategy segment.Strategy = segment.Brightness{}
	if maskUseModel {
		w, err := worker.NewPythonWorker(ctx, 1, worker.Config{
			Python: cfg.Model.Python,
			Script: cfg.Segmentation.Script,
		}, log)
		if err != nil {
			utils.ShowError("Failed to start segmentation worker", err, nil)
			return err
		}
		defer w.Close()
		strategy = segment.NewModelBased(w)
	}

	m, err := strategy.Sample(ctx, frame)
	if err != nil {
		utils.ShowError("Segmentation failed", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "🧍 %s segmentation, %dx%d grid\n", strategy.Name(), segment.Cols, segment.Rows)
	printMask(os.Stdout, m)
	return nil
}

// shades go from background to confident foreground.
const shades = " .:-=+*#%@"

func printMask(w io.Writer, m segment.Mask) {
	var b strings.Builder
	for row := 0; row < segment.Rows; row++ {
		for col := 0; col < segment.Cols; col++ {
			v := m[row*segment.Cols+col]
			idx := int(v * float32(len(shades)-1))
			idx = max(0, min(idx, len(shades)-1))
			b.WriteByte(shades[idx])
		}
		b.WriteByte('\n')
	}
	io.WriteString(w, b.String())
}
