package cmd

import (
	"context"
	"errors"
	"os"

	"github.com/habedi/tokenkeeper/pkg/clierr"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// skipServices marks commands that run without the database and the token services.
const skipServices = "skip-services"

// Execute runs the CLI. Cancelling ctx stops long-running commands such as
// sweep --loop; refreshes already in flight are finished before the process exits.
func Execute(ctx context.Context) {
	rootCmd := createRootCmd()
	rootCmd.PersistentFlags().BoolP("help", "h", false, "Show help for a command")

	err := rootCmd.ExecuteContext(ctx)
	closeServices()
	if err != nil {
		log.Error().Err(err).Msg("Command execution failed.")
		var cliErr *clierr.Error
		if errors.As(err, &cliErr) {
			os.Exit(cliErr.ExitCode())
		}
		os.Exit(1)
	}
}

func createRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "tokenkeeper",
		Short:         "Keep TikTok and Instagram OAuth tokens fresh",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[skipServices] == "true" {
				return nil
			}
			return initializeServices()
		},
	}

	rootCmd.AddCommand(
		userCmd(),
		accountCmd(),
		tokenCmd(),
		sweepCmd(),
		versionCmd(),
	)

	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.SetHelpCommand(&cobra.Command{
		Use:    "no-help",
		Hidden: true,
	})

	return rootCmd
}
