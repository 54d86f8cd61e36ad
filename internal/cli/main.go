package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forPelevin/petclip/internal/types"
)

func Main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error: "+oneLine(err.Error()))
		os.Exit(1)
	}
}

// NewRootCommand builds `petclip <photo>` with its worker and serve subcommands.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "petclip <photo>",
		Short:        "Turn a pet photo into a short animated clip",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args[0])
		},
	}

	root.SetOut(os.Stdout)
	root.SetErr(os.Stderr)
	root.SilenceErrors = true

	root.Flags().String("action", string(types.ActionRunning), "Pet action: "+joinActions())
	root.Flags().String("ratio", string(types.RatioPortrait), "Aspect ratio: 9:16, 16:9 or 1:1")
	root.Flags().Int("duration", 5, "Generated clip length in seconds (5 or 10)")
	root.Flags().String("audio", "", "Music track to attach (local path or URL)")
	root.Flags().Int("extended-duration", 0, "Final video length in seconds when audio is attached (0 keeps the clip length)")
	root.Flags().String("message", "", "Text shown on a title card before the clip")
	root.Flags().Bool("use-local-storage", false, "Skip the remote image host")
	root.Flags().String("output-dir", "out", "Output directory")
	root.PersistentFlags().Bool("verbose", false, "Human readable debug logging on stderr")

	// Hidden tuning flag (internal)
	root.Flags().Duration("slate-duration", 0, "Title card length")
	_ = root.Flags().MarkHidden("slate-duration")

	root.AddCommand(newWorkerCommand(), newServeCommand())
	return root
}

func joinActions() string {
	var names []string
	for _, a := range types.Actions() {
		names = append(names, string(a))
	}
	return strings.Join(names, ", ")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
