package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/toyotech/ota-client/internal/config"
	"github.com/toyotech/ota-client/pkg/db"
	"github.com/toyotech/ota-client/pkg/errors"
	"github.com/toyotech/ota-client/pkg/region"
)

var eraseCmd = &cobra.Command{
	Use:   "erase",
	Short: "Erase the staging region and close unfinished update cycles",
	RunE:  runErase,
}

func init() {
	rootCmd.AddCommand(eraseCmd)
}

func runErase(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	if err := ensureDirectories(cfg.DBPath, "", cfg.RegionDir); err != nil {
		return err
	}

	store, err := openRegions(cfg, nil)
	if err != nil {
		return err
	}
	size, err := store.Size(region.Staging)
	if err != nil {
		return err
	}
	if err := store.Erase(region.Staging, 0, size); err != nil {
		return errors.Wrap(err, "erase failed")
	}

	repo, err := db.NewRepository(cfg.DBPath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	n, err := repo.MarkInterrupted("staging region erased")
	if err != nil {
		return errors.Wrap(err, "ledger update failed")
	}

	fmt.Printf("Erased %d bytes of staging, closed %d unfinished cycles\n", size, n)
	return nil
}
