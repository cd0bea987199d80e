package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/skillsync/internal/ledgerstore"
	"github.com/agentworkforce/skillsync/internal/progress"
	"github.com/agentworkforce/skillsync/internal/syncer"
)

func (a *agent) newReconcileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Merge the local ledger into a user's cloud ledger",
		Long: `Runs the sign-in merge offline: sources the cloud ledger has started are
kept as they are, every other local source is copied in with its header ids
rewritten through the mapping file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runReconcile(cmd.Context(), cmd.OutOrStdout())
		},
	}
	flags := cmd.Flags()
	flags.String("local-ledger-dsn", "", "local ledger store DSN")
	flags.String("cloud-ledger-dsn", "", "cloud ledger store DSN")
	flags.String("user", "", "cloud user id")
	flags.String("mapping-file", "", "YAML or JSON map of local header id to cloud header id")
	flags.Bool("dry-run", false, "report the merge without saving it")
	return cmd
}

type reconcileReport struct {
	UserID          string   `json:"userId"`
	Version         uint64   `json:"version"`
	Changed         bool     `json:"changed"`
	Saved           bool     `json:"saved"`
	TransferHeaders []string `json:"transferHeaders,omitempty"`
	UnmappedHeaders []string `json:"unmappedHeaders,omitempty"`
}

func (a *agent) runReconcile(ctx context.Context, out io.Writer) error {
	userID := strings.TrimSpace(a.v.GetString("user"))
	if userID == "" {
		return fmt.Errorf("user is required (--user or SKILLSYNC_USER)")
	}
	local, err := ledgerstore.BuildBackendFromDSN(a.v.GetString("local-ledger-dsn"))
	if err != nil {
		return fmt.Errorf("local ledger backend: %w", err)
	}
	cloud, err := ledgerstore.BuildBackendFromDSN(a.v.GetString("cloud-ledger-dsn"))
	if err != nil {
		return fmt.Errorf("cloud ledger backend: %w", err)
	}
	mapping, err := loadHeaderMapping(a.v.GetString("mapping-file"))
	if err != nil {
		return err
	}

	report, err := reconcileLedgers(ctx, ledgerstore.NewRouter(local, cloud), userID, mapping, a.v.GetBool("dry-run"))
	if err != nil {
		return err
	}
	a.log().Info("reconcile finished",
		zap.String("user", report.UserID),
		zap.Uint64("version", report.Version),
		zap.Bool("changed", report.Changed),
		zap.Bool("saved", report.Saved),
	)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// reconcileLedgers merges the local ledger into userID's cloud ledger and
// saves the result unless it matches what the cloud already holds.
func reconcileLedgers(ctx context.Context, ledgers syncer.LedgerStore, userID string, mapping progress.HeaderMapping, dryRun bool) (reconcileReport, error) {
	local, err := ledgers.LoadLedger(ctx, progress.ScopeLocal, "")
	if err != nil {
		return reconcileReport{}, fmt.Errorf("load local ledger: %w", err)
	}
	cloud, err := ledgers.LoadLedger(ctx, progress.ScopeCloud, userID)
	if err != nil {
		return reconcileReport{}, fmt.Errorf("load cloud ledger: %w", err)
	}
	cloud.UserID = userID

	transfer := progress.TransferCandidates(local, cloud)
	merged := progress.Reconcile(local, cloud, mapping)
	merged.UserID = userID
	report := reconcileReport{
		UserID:          userID,
		Version:         cloud.Version,
		TransferHeaders: transfer,
	}
	for _, id := range transfer {
		if mapping.Lookup(id) == id {
			report.UnmappedHeaders = append(report.UnmappedHeaders, id)
		}
	}

	if cmp.Equal(merged.Sources, cloud.Sources, cmpopts.EquateEmpty()) {
		return report, nil
	}
	report.Changed = true
	merged = merged.WithVersion(max(merged.Version, cloud.Version) + 1)
	report.Version = merged.Version
	if dryRun {
		return report, nil
	}
	if err := ledgers.SaveLedger(ctx, progress.ScopeCloud, merged); err != nil {
		return report, fmt.Errorf("save cloud ledger: %w", err)
	}
	report.Saved = true
	return report, nil
}

func loadHeaderMapping(path string) (progress.HeaderMapping, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var mapping map[string]string
	if err := yaml.Unmarshal(data, &mapping); err != nil {
		return nil, fmt.Errorf("%w: mapping file %s: %v", progress.ErrInvalidInput, path, err)
	}
	return progress.HeaderMapping(mapping), nil
}
