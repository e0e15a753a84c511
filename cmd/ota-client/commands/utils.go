package commands

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/toyotech/ota-client/internal/config"
	"github.com/toyotech/ota-client/pkg/boot"
	"github.com/toyotech/ota-client/pkg/errors"
	"github.com/toyotech/ota-client/pkg/pipeline"
	"github.com/toyotech/ota-client/pkg/region"
)

// applyMaxRetries bounds FSM transition retries. Pipeline failures abort the
// run, so retries only follow transient FSM errors.
const applyMaxRetries = 3

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(dbPath, fsmDBPath, regionDir string) error {
	// Create database directory
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	// Create FSM database directory (only needed for run and apply)
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	if regionDir != "" {
		if err := os.MkdirAll(regionDir, 0755); err != nil {
			return errors.Wrap(err, "failed to create region directory")
		}
	}

	return nil
}

// openRegions opens the file-backed regions. A device restart runs the
// configured restart command, then calls after.
func openRegions(cfg *config.Config, after func()) (*region.FileStore, error) {
	var restarter boot.Restarter
	if args := cfg.RestartArgs(); len(args) > 0 {
		r, err := boot.NewRestarter(args)
		if err != nil {
			return nil, errors.Wrap(err, "restart command unavailable")
		}
		restarter = r
	}

	restart := func() {
		if restarter != nil {
			if err := restarter.Restart(); err != nil {
				slog.Error("device_restart_failed", "error", err)
			}
		}
		if after != nil {
			after()
		}
	}

	store, err := region.OpenFileStore(cfg.RegionDir, cfg.RegionSize, restart)
	if err != nil {
		return nil, errors.Wrap(err, "region store failed")
	}
	return store, nil
}

func newPipeline(cfg *config.Config, port region.Port) (*pipeline.Pipeline, error) {
	key, iv, err := cfg.KeyMaterial()
	if err != nil {
		return nil, err
	}
	p, err := pipeline.New(port, key, iv, pipeline.WithHashFinalBlock(cfg.HashFinalBlock))
	if err != nil {
		return nil, errors.Wrap(err, "pipeline init failed")
	}
	return p, nil
}
