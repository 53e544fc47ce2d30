package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/andresmejia3/livematch/internal/capture"
	"github.com/andresmejia3/livematch/internal/metrics"
	"github.com/andresmejia3/livematch/internal/segment"
	"github.com/andresmejia3/livematch/internal/session"
	"github.com/andresmejia3/livematch/internal/types"
	"github.com/andresmejia3/livematch/internal/utils"
	"github.com/andresmejia3/livematch/internal/worker"
)

var (
	liveLoop     bool
	liveShowMask bool
)

var liveCmd = &cobra.Command{
	Use:   "live",
	Short: "Score camera frames against text typed on stdin",
	Long: `Opens the camera and keeps every typed description scored against the
latest frame. Type a description and press Enter to add it; prefix it with
"-" to remove it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runLive(cmd.Context())
	},
}

func init() {
	liveCmd.Flags().String("device", "", "Camera device or input file")
	liveCmd.Flags().String("format", "", "ffmpeg input format for the device (empty for files)")
	liveCmd.Flags().String("metrics", "", "Serve Prometheus metrics on this address")
	liveCmd.Flags().Bool("seg-model", true, "Load the person segmentation model in the background")
	liveCmd.Flags().Bool("fatal-errors", true, "End the session on any failed inference")
	liveCmd.Flags().BoolVar(&liveLoop, "loop", false, "Loop a file input forever")
	liveCmd.Flags().BoolVar(&liveShowMask, "show-mask", false, "Print the segmentation grid with each frame")
	rootCmd.AddCommand(liveCmd)
}

func runLive(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rec := metrics.New(nil)
	if cfg.Metrics.Listen != "" {
		go serveMetrics(ctx, cfg.Metrics.Listen, rec)
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	rt, w, err := startEncoder(ctx, rec)
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}
	defer func() {
		cancel()
		rt.Close()
		w.Close()
	}()

	engine := segment.NewEngine(log, rec)
	if cfg.Segmentation.ModelEnabled {
		stop := loadSegmentationModel(ctx, engine)
		defer stop()
	}

	camera := &capture.FFmpegSource{
		Spec: utils.CaptureSpec{
			Format: cfg.Camera.Format,
			Device: cfg.Camera.Device,
			Width:  cfg.Camera.Width,
			Height: cfg.Camera.Height,
			FPS:    cfg.Camera.FPS,
			Loop:   liveLoop,
		},
		Logger: log,
	}

	sess := session.New(session.Config{
		InitialDelay:         cfg.Schedule.InitialDelay,
		InferenceInterval:    cfg.Schedule.InferenceInterval,
		SegmentationInterval: cfg.Schedule.SegmentationInterval,
		SkipBusyInference:    cfg.Schedule.SkipBusyInference,
		FatalInferenceErrors: cfg.Errors.FatalInference,
	}, rt, camera, engine, session.WithLogger(log), session.WithMetrics(rec))

	go readQueries(ctx, os.Stdin, sess)
	go render(ctx, sess)

	err = sess.Run(ctx)
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "👋 Session stopped.")
		return nil
	}
	if errors.Is(err, capture.ErrPermissionDenied) {
		fmt.Fprintln(os.Stderr, "❌ "+sess.View().Err)
		return err
	}
	if err != nil {
		utils.ShowError("Session failed", err, w.Cmd)
		return err
	}
	return nil
}

// loadSegmentationModel starts the segmentation worker in the background and
// promotes it once it answers a probe frame. Until then, or if it never comes
// up, the brightness strategy stays in use.
func loadSegmentationModel(ctx context.Context, engine *segment.Engine) (stop func()) {
	var (
		mu sync.Mutex
		sw *worker.PythonWorker
	)
	go func() {
		w, err := worker.NewPythonWorker(ctx, 1, worker.Config{
			Python: cfg.Model.Python,
			Script: cfg.Segmentation.Script,
		}, log)
		if err != nil {
			log.Warn("segmentation model unavailable, keeping brightness", zap.Error(err))
			return
		}
		if _, err := w.Segment(ctx, types.NewFrame(32, 32)); err != nil {
			log.Warn("segmentation model failed its probe, keeping brightness", zap.Error(err))
			w.Close()
			return
		}
		mu.Lock()
		sw = w
		mu.Unlock()
		engine.Promote(segment.NewModelBased(w))
	}()

	return func() {
		mu.Lock()
		defer mu.Unlock()
		if sw != nil {
			sw.Close()
		}
	}
}

func serveMetrics(ctx context.Context, addr string, rec *metrics.Recorder) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", rec.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server stopped", zap.Error(err))
	}
}

// readQueries turns stdin lines into query submissions and removals.
func readQueries(ctx context.Context, r io.Reader, sess *session.Session) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if text, ok := strings.CutPrefix(line, "-"); ok {
			removed, err := sess.Remove(strings.TrimSpace(text))
			if err != nil {
				return
			}
			if !removed {
				fmt.Fprintf(os.Stderr, "⚠️  No query named %q\n", strings.TrimSpace(text))
			}
			continue
		}

		err := sess.Submit(line)
		switch {
		case errors.Is(err, session.ErrClosed):
			return
		case errors.Is(err, session.ErrNotReady):
			fmt.Fprintln(os.Stderr, "⏳ Models are still loading, try again in a moment.")
		case err != nil:
			fmt.Fprintf(os.Stderr, "⚠️  %v\n", err)
		}
	}
}

// render redraws on state changes, new frames and query changes.
func render(ctx context.Context, sess *session.Session) {
	bar := newLoadBar()
	var last *session.View

	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			return
		case <-sess.Updates():
		}

		v := sess.View()
		switch v.State {
		case session.Loading:
			bar.Describe("🧠 " + v.Stage)
			bar.Set(v.Percent)
		case session.AwaitingCameraPermission:
			if last == nil || last.State != v.State {
				bar.Finish()
				fmt.Fprintln(os.Stderr, "📷 Opening camera...")
			}
		case session.Live:
			if last == nil || last.State != v.State {
				fmt.Fprintln(os.Stderr, "✅ Live. Type a description and press Enter.")
			}
			if last == nil || v.Frames != last.Frames || queriesChanged(last, v) {
				printLiveView(os.Stdout, v)
			}
		}
		last = v
	}
}

func queriesChanged(a, b *session.View) bool {
	if len(a.Queries) != len(b.Queries) || len(a.Pending) != len(b.Pending) {
		return true
	}
	for i := range a.Queries {
		if a.Queries[i] != b.Queries[i] {
			return true
		}
	}
	return false
}

func printLiveView(out io.Writer, v *session.View) {
	fmt.Fprintf(out, "\n🎞️  frame %d  ⏱️  %s  🧍 %s\n", v.Frames, v.InferenceLatency.Round(time.Millisecond), v.SegmentationMode)
	if liveShowMask && len(v.Mask) == segment.Cells {
		printMask(out, v.Mask)
	}
	if len(v.Queries) == 0 && len(v.Pending) == 0 {
		return
	}

	wOut := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(wOut, "TEXT\tSCORE\tMATCH")
	for _, q := range v.Queries {
		match := "-"
		if q.Comparable {
			match = fmt.Sprintf("%.1f%%", q.Probability)
		}
		fmt.Fprintf(wOut, "%s\t%.2f\t%s\n", q.Text, q.ScaledScore, match)
	}
	for _, p := range v.Pending {
		fmt.Fprintf(wOut, "%s\t…\t\n", p)
	}
	wOut.Flush()
}
