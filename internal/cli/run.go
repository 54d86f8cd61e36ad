package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/forPelevin/petclip/internal/config"
	"github.com/forPelevin/petclip/internal/log"
	"github.com/forPelevin/petclip/internal/pipeline"
	"github.com/forPelevin/petclip/internal/queue"
	"github.com/forPelevin/petclip/internal/types"
)

const runTimeout = time.Hour

func run(cmd *cobra.Command, photo string) error {
	env := config.Load()
	configureLogging(cmd, env)

	action, _ := cmd.Flags().GetString("action")
	ratio, _ := cmd.Flags().GetString("ratio")
	duration, _ := cmd.Flags().GetInt("duration")
	audio, _ := cmd.Flags().GetString("audio")
	extended, _ := cmd.Flags().GetInt("extended-duration")
	message, _ := cmd.Flags().GetString("message")
	useLocal, _ := cmd.Flags().GetBool("use-local-storage")
	outDir, _ := cmd.Flags().GetString("output-dir")
	slateDur, _ := cmd.Flags().GetDuration("slate-duration")

	if err := env.RequireClipKeys(useLocal); err != nil {
		return err
	}

	absPhoto, err := filepath.Abs(photo)
	if err != nil {
		return err
	}
	if audio != "" && !strings.Contains(audio, "://") && !types.IsDataURI(audio) {
		if audio, err = filepath.Abs(audio); err != nil {
			return err
		}
	}

	cfg := pipeline.FromEnv(env)
	cfg.PhotoPath = absPhoto
	cfg.Action = types.Action(action)
	cfg.Ratio = types.Ratio(ratio)
	cfg.Duration = duration
	cfg.AudioPath = audio
	cfg.ExtendedDuration = time.Duration(extended) * time.Second
	cfg.Message = message
	cfg.SlateDuration = slateDur
	cfg.UseLocalStorage = useLocal
	cfg.OutDir = outDir

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	res, err := pipeline.Run(ctx, cfg)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

// taskRunner executes queued or uploaded tasks with the environment's
// service settings. Outputs land under outDir.
func taskRunner(env config.Config, outDir string) queue.Runner {
	return func(ctx context.Context, t queue.Task) (types.ResultDescriptor, error) {
		cfg := pipeline.FromEnv(env)
		cfg.JobID = t.ID
		cfg.PhotoPath = t.PhotoPath
		cfg.AudioPath = t.AudioPath
		cfg.Action = types.Action(t.Action)
		cfg.Ratio = types.Ratio(t.Ratio)
		cfg.Duration = t.Duration
		cfg.ExtendedDuration = time.Duration(t.ExtendedDuration) * time.Second
		cfg.Message = t.Message
		cfg.UseLocalStorage = t.UseLocalStorage || env.ImgBBAPIKey == ""
		cfg.OutDir = outDir
		return pipeline.Run(ctx, cfg)
	}
}

func configureLogging(cmd *cobra.Command, env config.Config) {
	verbose, _ := cmd.Flags().GetBool("verbose")
	lc := log.Config{Console: env.AppEnv == "development"}
	if verbose {
		lc.Level = "debug"
		lc.Console = true
	}
	log.Configure(lc)
}
