package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentworkforce/skillsync/internal/badges"
	"github.com/agentworkforce/skillsync/internal/ledgerstore"
	"github.com/agentworkforce/skillsync/internal/progress"
	"github.com/agentworkforce/skillsync/internal/syncer"
)

func (a *agent) newBadgesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "badges",
		Short: "Periodically grant badges earned in a user's cloud ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runBadges(cmd.Context())
		},
	}
	flags := cmd.Flags()
	flags.String("cloud-ledger-dsn", "", "cloud ledger store DSN")
	flags.String("user", "", "cloud user id")
	flags.String("maps-file", "", "YAML skill map catalog")
	flags.String("source-url", "", "content source whose maps are evaluated")
	flags.String("backend-url", "http://127.0.0.1:8081", "account service base URL")
	flags.String("backend-token", "", "account service bearer token")
	flags.Duration("interval", time.Minute, "evaluation interval")
	flags.Float64("interval-jitter", 0.2, "evaluation interval jitter ratio (0.0-1.0)")
	flags.Duration("timeout", 15*time.Second, "per-cycle timeout")
	flags.Bool("once", false, "run one evaluation cycle and exit")
	return cmd
}

func (a *agent) runBadges(ctx context.Context) error {
	logger := a.log()
	userID := strings.TrimSpace(a.v.GetString("user"))
	if userID == "" {
		return fmt.Errorf("user is required (--user or SKILLSYNC_USER)")
	}
	source := strings.TrimSpace(a.v.GetString("source-url"))
	if source == "" {
		return fmt.Errorf("source-url is required (--source-url or SKILLSYNC_SOURCE_URL)")
	}
	catalog, err := progress.LoadCatalogFile(a.v.GetString("maps-file"))
	if err != nil {
		return fmt.Errorf("load skill maps: %w", err)
	}
	cloud, err := ledgerstore.BuildBackendFromDSN(a.v.GetString("cloud-ledger-dsn"))
	if err != nil {
		return fmt.Errorf("cloud ledger backend: %w", err)
	}
	interval := a.v.GetDuration("interval")
	if interval <= 0 {
		interval = time.Minute
	}
	timeout := a.v.GetDuration("timeout")
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	jitter := clampJitterRatio(a.v.GetFloat64("interval-jitter"))

	client := syncer.NewHTTPClient(a.v.GetString("backend-url"), a.v.GetString("backend-token"), &http.Client{Timeout: timeout})
	coordinator := badges.NewCoordinator(client, badges.CoordinatorOptions{Logger: logger.Named("badges")})
	ledgers := ledgerstore.NewRouter(nil, cloud)

	run := func() {
		cycleCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		result, err := issueOnce(cycleCtx, ledgers, coordinator, catalog, userID, source)
		if err != nil {
			logger.Warn("badge cycle failed", zap.String("outcome", string(result.Outcome)), zap.Error(err))
			return
		}
		logger.Info("badge cycle completed",
			zap.String("outcome", string(result.Outcome)),
			zap.Int("granted", len(result.Granted)),
		)
	}

	run()
	if a.v.GetBool("once") {
		return nil
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("badge loop stopping", zap.Error(ctx.Err()))
			return nil
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		}
	}
}

func issueOnce(ctx context.Context, ledgers syncer.LedgerStore, coordinator *badges.Coordinator, catalog progress.Catalog, userID, source string) (badges.IssueResult, error) {
	ledger, err := ledgers.LoadLedger(ctx, progress.ScopeCloud, userID)
	if err != nil {
		return badges.IssueResult{Outcome: badges.OutcomeFailed}, fmt.Errorf("load cloud ledger: %w", err)
	}
	candidates := badges.Candidates(badges.RuleEvaluator{}, ledger, source, catalog.Maps(source))
	return coordinator.Issue(ctx, candidates)
}
