package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/andresmejia3/livematch/internal/config"
	"github.com/andresmejia3/livematch/internal/logger"
)

var (
	// cfg and log are resolved once in PersistentPreRunE and shared by subcommands.
	cfg *config.Config
	log *zap.Logger

	configDir string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "livematch",
	Short:   "Match a live camera against free-text descriptions",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v, err := config.InitViper(configDir)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if err := bindFlags(v, cmd); err != nil {
			return err
		}
		cfg, err = config.FromViper(v)
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		log = logger.NewLogger(cfg.Debug)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			log.Sync()
		}
	},
}

// flagKeys maps command line flags onto configuration keys. Flags left unset
// fall through to env, config.toml and defaults.
var flagKeys = map[string]string{
	"debug":        "debug",
	"model":        "model.id",
	"python":       "model.python",
	"device":       "camera.device",
	"format":       "camera.format",
	"metrics":      "metrics.listen",
	"seg-model":    "segmentation.model_enabled",
	"fatal-errors": "errors.fatal_inference",
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for name, key := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding --%s: %w", name, err)
		}
	}
	return nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "Directory holding config.toml")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("model", "", "Model identifier passed to the encoder worker")
	rootCmd.PersistentFlags().String("python", "", "Python interpreter running the model workers")
}
