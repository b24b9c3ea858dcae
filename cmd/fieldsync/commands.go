package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fieldops/fieldsync/internal/capture"
	"github.com/fieldops/fieldsync/internal/config"
	"github.com/fieldops/fieldsync/internal/crypto"
	"github.com/fieldops/fieldsync/internal/db"
	"github.com/fieldops/fieldsync/internal/errors"
	"github.com/fieldops/fieldsync/internal/models"
	"github.com/fieldops/fieldsync/internal/sync/coordinator"
)

type opener func(cmd *cobra.Command) (*app, error)

func openApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg)
}

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func errorLabel(err error) string {
	return fmt.Sprintf("%s %s: %v", red("error"), errors.CodeOf(err), err)
}

// ServeCmd runs the local API and the sync coordinator.
func ServeCmd(open opener) *cobra.Command {
	var assumeOnline bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local API and background sync",
		Long: `Start the local REST/WebSocket API for the field UI and the sync
coordinator. The shell reports connectivity with POST /api/network; with
--assume-online the service starts as if the platform were online and relies
on the reachability probe.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(cmd.Context(), assumeOnline)
		},
	}
	cmd.Flags().BoolVar(&assumeOnline, "assume-online", true, "treat the platform as online at startup")
	return cmd
}

// StatusCmd prints queue and sync status.
func StatusCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending work and the last sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			usage, err := a.store.Usage(cmd.Context())
			if err != nil {
				return err
			}
			displayStatus(cmd.OutOrStdout(), a.coord.Status(), usage.Records, usage.Bytes)
			return nil
		},
	}
}

func displayStatus(out io.Writer, s coordinator.Status, records int, bytes int64) {
	pending := green("0")
	if s.PendingCount > 0 {
		pending = yellow(fmt.Sprint(s.PendingCount))
	}
	failed := green("0")
	if s.FailedCount > 0 {
		failed = red(fmt.Sprint(s.FailedCount))
	}

	fmt.Fprintln(out, bold("Sync status"))
	fmt.Fprintf(out, "  Pending:   %s\n", pending)
	fmt.Fprintf(out, "  Failed:    %s\n", failed)
	fmt.Fprintf(out, "  Records:   %d (%d bytes)\n", records, bytes)
	if s.LastSyncAt != nil {
		fmt.Fprintf(out, "  Last sync: %s\n", s.LastSyncAt.Local().Format(time.RFC3339))
	} else {
		fmt.Fprintf(out, "  Last sync: %s\n", yellow("never"))
	}
	if s.LastSyncError != "" {
		fmt.Fprintf(out, "  Error:     %s\n", red(s.LastSyncError))
	}
}

// SyncCmd runs one sync pass in the foreground.
func SyncCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push pending operations now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.syncOnce(cmd.Context())
			if err != nil {
				return err
			}
			displayReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
}

func displayReport(out io.Writer, r *models.SyncReport) {
	mark := green("✓")
	if r.Failed > 0 {
		mark = red("✗")
	} else if r.Skipped > 0 {
		mark = yellow("!")
	}
	fmt.Fprintf(out, "%s Sync pass finished in %s\n", mark, r.Duration().Round(time.Millisecond))
	fmt.Fprintf(out, "  attempted %d, succeeded %s, failed %s, skipped %d, conflicts %d\n",
		r.Attempted, green(fmt.Sprint(r.Succeeded)), red(fmt.Sprint(r.Failed)), r.Skipped, r.Conflicts)
	for _, e := range r.Errors {
		fmt.Fprintf(out, "  %s %s\n", red(e.OperationID), e.Error)
	}
}

// FailedCmd lists operations that exhausted their retries.
func FailedCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "failed",
		Short: "List failed operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ops, err := a.queue.ListFailed(cmd.Context())
			if err != nil {
				return err
			}
			displayOperations(cmd.OutOrStdout(), ops)
			return nil
		},
	}
}

func displayOperations(out io.Writer, ops []*models.Operation) {
	if len(ops) == 0 {
		fmt.Fprintln(out, green("No failed operations."))
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tRECORD\tRETRIES\tLAST ERROR")
	for _, op := range ops {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", op.ID, op.Kind, op.RecordID, op.RetryCount, red(op.ErrorMessage()))
	}
	w.Flush()
}

// RetryCmd re-arms a failed operation.
func RetryCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [operation-id]",
		Short: "Give a failed operation a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			op, err := a.queue.ResetToPending(cmd.Context(), models.UUID(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s is pending again\n", green("✓"), op.ID)
			return nil
		},
	}
}

// DiscardCmd drops a failed operation.
func DiscardCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "discard [operation-id]",
		Short: "Drop a failed operation",
		Long: `Remove a failed operation from the queue. If it was the last operation of
a record that never reached the server, the record is removed too.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			recordDeleted, err := a.queue.Discard(cmd.Context(), models.UUID(args[0]))
			if err != nil {
				return err
			}
			msg := fmt.Sprintf("%s discarded %s", green("✓"), args[0])
			if recordDeleted {
				msg += " " + yellow("(unsynced record removed)")
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
}

// ConflictsCmd prints the conflict audit log.
func ConflictsCmd(open opener) *cobra.Command {
	var recordID string
	var limit int

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Show last-write-wins resolutions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			logs, err := a.coord.ListConflicts(cmd.Context(), models.UUID(recordID), limit)
			if err != nil {
				return err
			}
			displayConflicts(cmd.OutOrStdout(), logs)
			return nil
		},
	}
	cmd.Flags().StringVar(&recordID, "record", "", "only conflicts of this record")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries")
	return cmd
}

func displayConflicts(out io.Writer, logs []*models.ConflictLog) {
	if len(logs) == 0 {
		fmt.Fprintln(out, "No conflicts recorded.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RESOLVED\tRECORD\tWINNER\tLOCAL\tREMOTE")
	for _, c := range logs {
		winner := yellow(c.Winner)
		if c.Winner == models.WinnerLocal {
			winner = green(c.Winner)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			c.ResolvedAt.Local().Format(time.RFC3339), c.RecordID, winner,
			c.LocalTimestamp.Local().Format(time.RFC3339), c.RemoteTimestamp.Local().Format(time.RFC3339))
	}
	w.Flush()
}

// RecordCmd captures a record from the command line.
func RecordCmd(open opener) *cobra.Command {
	var in capture.Capture
	var payload string

	cmd := &cobra.Command{
		Use:   "record [kind]",
		Short: "Capture a record offline",
		Long: `Store a record locally and queue it for sync.

Examples:
  fieldsync record cleaning-session --payload '{"equipment":"E-7","minutes":40}'
  fieldsync record counter --payload '{"value":1200}' --op counter-update --priority 2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			in.Kind = args[0]
			in.Payload = json.RawMessage(strings.TrimSpace(payload))
			res, err := a.capture.Record(cmd.Context(), in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s captured %s (operation %s)\n", green("✓"), res.Record.LocalID, res.Operation.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "record payload as JSON")
	cmd.Flags().StringVar(&in.OrganizationScope, "scope", "", "organization scope")
	cmd.Flags().StringVar(&in.OperationKind, "op", "", "operation kind (default record-create)")
	cmd.Flags().IntVar(&in.Priority, "priority", 0, "queue priority, lower runs first")
	cmd.MarkFlagRequired("payload")
	return cmd
}

// LoginCmd seals the sync server token into the local vault.
func LoginCmd(configPath *string) *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the sync server token on this device",
		Long: `Encrypt the API token with a key bound to this machine and keep it in the
data directory. A token set in the config file or FIELDSYNC_API_TOKEN takes
precedence. Without --token the token is read from stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if token == "" {
				data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 4096))
				if err != nil {
					return errors.Wrap(errors.ErrValidation, "read token", err)
				}
				token = strings.TrimSpace(string(data))
			}
			if err := crypto.NewVault(cfg.DataDir).Put(crypto.AccountAPIToken, token); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s token stored\n", green("✓"))
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "API token")
	return cmd
}

// LogoutCmd removes the stored token.
func LogoutCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored sync server token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if err := crypto.NewVault(cfg.DataDir).Delete(crypto.AccountAPIToken); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s token removed\n", green("✓"))
			return nil
		},
	}
}

// ExportCmd writes unsynced work to a bundle file.
func ExportCmd(open opener) *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "export [file]",
		Short: "Write unsynced records and operations to a bundle",
		Long: `Bundle every record the server has not confirmed, its queued operations
and photo evidence into one file, so another device can push them. The
local queue is left as is.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			f, err := os.OpenFile(args[0], os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
			if err != nil {
				return errors.Storage("create bundle file", err)
			}
			res, err := a.export.Export(cmd.Context(), f, password)
			if cerr := f.Close(); err == nil && cerr != nil {
				err = errors.Storage("close bundle file", cerr)
			}
			if err != nil {
				os.Remove(args[0])
				return err
			}

			sealed := ""
			if res.Encrypted {
				sealed = ", sealed"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s wrote %s (%d records, %d operations, %d photos%s)\n",
				green("✓"), args[0], res.RecordCount, res.OperationCount, res.EvidenceCount, sealed)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", os.Getenv("FIELDSYNC_BUNDLE_PASSWORD"), "seal the bundle with this password")
	return cmd
}

// ImportCmd queues the contents of a bundle on this device.
func ImportCmd(open opener) *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Queue the records and operations of a bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			f, err := os.Open(args[0])
			if err != nil {
				return errors.Storage("open bundle file", err)
			}
			defer f.Close()

			res, err := a.export.Import(cmd.Context(), f, password)
			if err != nil {
				return err
			}
			if _, err := a.coord.Refresh(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s imported %d records and %d operations (%d already present)\n",
				green("✓"), res.RecordsImported, res.OperationsImported, res.RecordsSkipped+res.OperationsSkipped)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", os.Getenv("FIELDSYNC_BUNDLE_PASSWORD"), "password of a sealed bundle")
	return cmd
}

// VerifyCmd rehashes the stored photo evidence.
func VerifyCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check photo evidence against its content hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			stored, err := a.evidence.List()
			if err != nil {
				return err
			}
			corrupted, err := a.evidence.Verify()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(corrupted) == 0 {
				fmt.Fprintf(out, "%s %d photos verified\n", green("✓"), len(stored))
				return nil
			}
			for _, hash := range corrupted {
				fmt.Fprintf(out, "%s %s\n", red("corrupted"), hash)
			}
			return errors.Newf(errors.ErrStorage, "%d of %d photos are corrupted", len(corrupted), len(stored))
		},
	}
}

// SchemaCmd inspects and rolls back the store's schema migrations.
func SchemaCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Show or roll back the offline store schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List applied migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			applied, err := db.NewEmbeddedMigrator(a.db.DB).GetAppliedMigrations()
			if err != nil {
				return errors.Storage("read migrations", err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tDESCRIPTION\tAPPLIED")
			for _, mig := range applied {
				fmt.Fprintf(w, "V%d\t%s\t%s\n", mig.Version, mig.Description, mig.AppliedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rollback",
		Short: "Undo the latest migration before installing an older build",
		Long: `Roll back the latest schema migration. The next fieldsync start of this
build applies it again. The initial schema holds every queued record and
cannot be rolled back.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			m := db.NewEmbeddedMigrator(a.db.DB)
			current, err := m.CurrentVersion()
			if err != nil {
				return errors.Storage("read schema version", err)
			}
			if current <= 1 {
				return errors.Newf(errors.ErrValidation, "schema V%d is the initial schema and cannot be rolled back", current)
			}
			if err := m.Down(); err != nil {
				return errors.Storage("roll back schema", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s rolled back V%d\n", green("✓"), current)
			return nil
		},
	})
	return cmd
}
