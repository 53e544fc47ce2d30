package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"

	"github.com/andresmejia3/livematch/internal/metrics"
	"github.com/andresmejia3/livematch/internal/protocol"
	"github.com/andresmejia3/livematch/internal/runtime"
	"github.com/andresmejia3/livematch/internal/worker"
)

// startEncoder launches the encoder worker process and the runtime driving it.
func startEncoder(ctx context.Context, rec *metrics.Recorder) (*runtime.Runtime, *worker.PythonWorker, error) {
	w, err := worker.NewPythonWorker(ctx, 0, worker.Config{
		Python:  cfg.Model.Python,
		Script:  cfg.Model.Script,
		ModelID: cfg.Model.ID,
	}, log)
	if err != nil {
		return nil, nil, err
	}

	rt := runtime.New(w, runtime.WithLogger(log), runtime.WithMetrics(rec))
	rt.Start(ctx)
	return rt, w, nil
}

func newLoadBar() *progressbar.ProgressBar {
	return progressbar.NewOptions(100,
		progressbar.OptionSetDescription("🧠 Loading models"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

// await reads responses until one of type T arrives. Progress is drawn on bar
// when given; an Error response ends the wait.
func await[T protocol.Response](ctx context.Context, rt *runtime.Runtime, bar *progressbar.ProgressBar) (T, error) {
	var zero T
	for {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case resp, ok := <-rt.Responses():
			if !ok {
				return zero, runtime.ErrClosed
			}
			switch r := resp.(type) {
			case T:
				return r, nil
			case protocol.Error:
				return zero, fmt.Errorf("%s failed: %s", r.Op, r.Message)
			case protocol.Progress:
				if bar != nil {
					bar.Describe("🧠 " + r.Stage)
					bar.Set(r.Percent)
				}
			}
		}
	}
}
