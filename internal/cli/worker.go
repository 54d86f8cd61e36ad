package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/forPelevin/petclip/internal/config"
	"github.com/forPelevin/petclip/internal/log"
	"github.com/forPelevin/petclip/internal/queue"
	"github.com/forPelevin/petclip/internal/server"
)

func newWorkerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "worker",
		Short:        "Process clip tasks from the redis queue",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env := config.Load()
			configureLogging(cmd, env)
			if err := env.RequireClipKeys(true); err != nil {
				return err
			}
			outDir, _ := cmd.Flags().GetString("output-dir")
			retries, _ := cmd.Flags().GetInt("max-retries")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := queue.Connect(ctx, env.RedisURL)
			if err != nil {
				return err
			}
			defer client.Close()

			w := queue.NewWorker(queue.New(client), queue.WorkerOptions{
				Run:        taskRunner(env, outDir),
				MaxRetries: retries,
				UploadDir:  uploadDir(cmd, env),
			})
			return w.Run(ctx)
		},
	}
	cmd.Flags().String("output-dir", "out", "Output directory")
	cmd.Flags().Int("max-retries", queue.DefaultMaxRetries, "Requeues allowed for retryable failures")
	cmd.Flags().String("upload-dir", "", "Directory the server stores queued uploads in; finished tasks are cleaned from it")
	return cmd
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "serve",
		Short:        "Serve the clip API over HTTP",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env := config.Load()
			configureLogging(cmd, env)
			l := log.WithComponent("serve")

			port, _ := cmd.Flags().GetString("port")
			if port == "" {
				port = env.Port
			}
			outDir, _ := cmd.Flags().GetString("output-dir")
			if err := env.RequireClipKeys(true); err != nil {
				l.Warn().Err(err).Msg("clip generation will fail until the keys are set")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := server.Options{Generate: taskRunner(env, outDir), UploadDir: uploadDir(cmd, env)}
			if client, err := queue.Connect(ctx, env.RedisURL); err != nil {
				l.Warn().Err(err).Msg("redis unavailable; /tasks disabled")
			} else {
				defer client.Close()
				opts.Tasks = queue.New(client)
			}

			srv := &http.Server{
				Addr:              ":" + port,
				Handler:           server.New(opts).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			l.Info().Str("addr", srv.Addr).Msg("listening")

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().String("port", "", "Listen port (defaults to PORT)")
	cmd.Flags().String("output-dir", "out", "Output directory")
	cmd.Flags().String("upload-dir", "", "Directory shared with workers for queued uploads")
	return cmd
}

// uploadDir resolves where queued uploads live. serve and worker must agree.
func uploadDir(cmd *cobra.Command, env config.Config) string {
	if dir, _ := cmd.Flags().GetString("upload-dir"); dir != "" {
		return dir
	}
	base := env.CacheDir
	if base == "" {
		base = ".cache"
	}
	return filepath.Join(base, "uploads")
}
