package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/superfly/fsm"
	"github.com/toyotech/ota-client/internal/config"
	"github.com/toyotech/ota-client/pkg/db"
	"github.com/toyotech/ota-client/pkg/errors"
	appfsm "github.com/toyotech/ota-client/pkg/fsm"
	"github.com/toyotech/ota-client/pkg/pipeline"
)

var (
	applyCiphertextLen int64
	applyHash          string
	applyNoCommit      bool
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Decrypt, verify and commit the image in the staging region",
	Long: `Runs the apply workflow over an image already in the staging region:
  --ciphertext-len <n>  Bytes of ciphertext in staging (multiple of 16)
  --hash <hex>          Expected SHA-256 of the verified plaintext
  --no-commit           Stop after verification`,
	RunE: runApply,
}

func init() {
	rootCmd.AddCommand(applyCmd)
	applyCmd.Flags().Int64Var(&applyCiphertextLen, "ciphertext-len", 0, "Ciphertext length in the staging region")
	applyCmd.Flags().StringVar(&applyHash, "hash", "", "Expected SHA-256 (hex)")
	applyCmd.Flags().BoolVar(&applyNoCommit, "no-commit", false, "Verify without committing")
	applyCmd.MarkFlagRequired("ciphertext-len")
	applyCmd.MarkFlagRequired("hash")
}

func runApply(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	if err := ensureDirectories(cfg.DBPath, cfg.FSMDBPath, cfg.RegionDir); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.DBPath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	store, err := openRegions(cfg, nil)
	if err != nil {
		return err
	}
	p, err := newPipeline(cfg, store)
	if err != nil {
		return err
	}

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	machine := appfsm.NewMachine(p, repo, applyMaxRetries, !applyNoCommit)
	if err := machine.Register(ctx, manager); err != nil {
		return err
	}

	// Verification-only runs are not update cycles.
	var cycleID int64
	if !applyNoCommit {
		cycle := &db.Cycle{Hash: applyHash, Status: db.StatusApplying, CiphertextLen: applyCiphertextLen}
		if err := repo.Create(cycle); err != nil {
			return errors.Wrap(err, "ledger write failed")
		}
		cycleID = cycle.ID
	}

	s := &pipeline.Session{Stage: pipeline.DecryptFirmware, CiphertextLen: applyCiphertextLen}
	if err := machine.ApplyCycle(ctx, s, applyHash, cycleID); err != nil {
		return errors.Wrap(err, "apply failed")
	}

	if applyNoCommit {
		slog.Info("apply_verified", "plaintext_len", s.PlaintextLen)
		fmt.Printf("verified %d bytes\n", s.PlaintextLen)
		return nil
	}
	fmt.Println("committed execution region")
	return nil
}
