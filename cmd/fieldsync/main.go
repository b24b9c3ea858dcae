// Package main is the fieldsync command: the local sync service and a
// handful of queue maintenance commands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, errorLabel(err))
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "fieldsync",
		Short: "Offline-first capture and sync for field work",
		Long: `fieldsync keeps captured field records in a local store and pushes them
to the inventory server when the connection allows.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("FIELDSYNC_CONFIG"), "path to the YAML config file")

	open := func(cmd *cobra.Command) (*app, error) {
		return openApp(cmd.Context(), configPath)
	}

	root.AddCommand(ServeCmd(open))
	root.AddCommand(StatusCmd(open))
	root.AddCommand(SyncCmd(open))
	root.AddCommand(FailedCmd(open))
	root.AddCommand(RetryCmd(open))
	root.AddCommand(DiscardCmd(open))
	root.AddCommand(ConflictsCmd(open))
	root.AddCommand(RecordCmd(open))
	root.AddCommand(ExportCmd(open))
	root.AddCommand(ImportCmd(open))
	root.AddCommand(VerifyCmd(open))
	root.AddCommand(SchemaCmd(open))
	root.AddCommand(LoginCmd(&configPath))
	root.AddCommand(LogoutCmd(&configPath))
	return root
}
