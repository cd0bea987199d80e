package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type agent struct {
	v      *viper.Viper
	logger *zap.Logger
}

func newRootCommand() *cobra.Command {
	a := &agent{v: viper.New()}
	a.v.SetEnvPrefix("SKILLSYNC")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "skillsync-agent",
		Short:         "Operator tooling for skillsync ledgers and badges",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// Bind only the running command's flags so commands sharing a
			// key do not shadow each other.
			var bindErr error
			cmd.Flags().VisitAll(func(f *pflag.Flag) {
				if err := a.v.BindPFlag(f.Name, f); err != nil && bindErr == nil {
					bindErr = err
				}
			})
			if bindErr != nil {
				return bindErr
			}
			config := zap.NewProductionConfig()
			if a.v.GetBool("debug") {
				config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			}
			logger, err := config.Build()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().Bool("debug", false, "enable debug logging")

	root.AddCommand(a.newReconcileCommand(), a.newBadgesCommand(), a.newWatchCommand())
	return root
}

func (a *agent) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}
