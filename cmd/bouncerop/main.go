package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/pg-pooling/bouncerop/app"
	"github.com/pg-pooling/bouncerop/pkg/boplog"
	"github.com/pg-pooling/bouncerop/pkg/config"
	"github.com/pg-pooling/bouncerop/pkg/hook"
	"github.com/pg-pooling/bouncerop/relstore"
)

// DeferredExitCode tells the hosting runtime to re-deliver the event
// later. Plain failures exit 1 through cobra.
const DeferredExitCode = 2

var (
	cfgPath string

	evKind        string
	evRelation    string
	evRelationID  int
	remoteApp     string
	remoteUnit    string
	departingUnit string
	leader        bool
)

var rootCmd = &cobra.Command{
	Use:   "bouncerop hook --kind `event-kind`",
	Short: "bouncerop",
	Long:  "PgBouncer Connection Pooler Operator",
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if hook.IsDeferred(err) {
			boplog.Zero.Info().Err(err).Msg("event deferred")
			os.Exit(DeferredExitCode)
		}
		boplog.Zero.Fatal().Err(err).Msg("")
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "/etc/bouncerop/config.yaml", "path to config file")
	rootCmd.AddCommand(hookCmd)
	rootCmd.AddCommand(versionCmd)

	hookCmd.Flags().StringVar(&evKind, "kind", "", "event kind to dispatch")
	hookCmd.Flags().StringVar(&evRelation, "relation", "", "relation name")
	hookCmd.Flags().IntVar(&evRelationID, "relation-id", 0, "relation id assigned by the hosting runtime")
	hookCmd.Flags().StringVar(&remoteApp, "remote-app", "", "remote application name")
	hookCmd.Flags().StringVar(&remoteUnit, "remote-unit", "", "remote unit name")
	hookCmd.Flags().StringVar(&departingUnit, "departing-unit", "", "departing unit name")
	hookCmd.Flags().BoolVar(&leader, "leader", false, "whether this unit currently holds leadership")
}

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "dispatch one lifecycle event",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadOperatorCfg(cfgPath); err != nil {
			return err
		}
		if evKind == "" {
			return errors.New("--kind is required")
		}

		ctx, cancelCtx := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancelCtx()

		a, err := app.NewApp()
		if err != nil {
			return errors.Wrap(err, "operator failed to start")
		}

		ev := hook.Event{
			Kind:          hook.Kind(evKind),
			Relation:      relstore.RelationID{Name: evRelation, ID: evRelationID},
			RemoteApp:     remoteApp,
			RemoteUnit:    remoteUnit,
			DepartingUnit: departingUnit,
			Leader:        leader,
		}

		if err := syncStoreBefore(ctx, a.Store, ev); err != nil {
			return err
		}
		dispatchErr := a.Dispatch(ctx, ev)
		if dispatchErr == nil {
			if err := syncStoreAfter(ctx, a.Store, ev); err != nil {
				return err
			}
		}
		if err := a.Close(); err != nil {
			return err
		}
		return dispatchErr
	},
}

// syncStoreBefore reflects the topology fact the event carries into
// the shared store before handlers run, so derived state reads see it.
func syncStoreBefore(ctx context.Context, s relstore.Store, ev hook.Event) error {
	switch ev.Kind {
	case hook.BackendCreated, hook.ClientJoined:
		if err := s.AddRelation(ctx, ev.Relation, ev.RemoteApp); err != nil {
			return err
		}
		if ev.RemoteUnit != "" {
			return s.JoinUnit(ctx, ev.Relation, ev.RemoteUnit)
		}
	}
	return nil
}

// syncStoreAfter removes departed topology once handlers had their
// chance to read it. Skipped when the event is retried later.
func syncStoreAfter(ctx context.Context, s relstore.Store, ev hook.Event) error {
	switch ev.Kind {
	case hook.BackendDeparted, hook.ClientDeparted:
		if ev.DepartingUnit != "" {
			return s.DepartUnit(ctx, ev.Relation, ev.DepartingUnit)
		}
	case hook.BackendBroken, hook.ClientBroken:
		return s.RemoveRelation(ctx, ev.Relation)
	}
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the operator version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println("bouncerop 0.1.0")
	},
}

func main() {
	Execute()
}
