package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/toyotech/ota-client/internal/config"
	"github.com/toyotech/ota-client/pkg/db"
	"github.com/toyotech/ota-client/pkg/errors"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent update cycles and their outcome",
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of cycles to show")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	// Ensure database directory exists
	if err := ensureDirectories(cfg.DBPath, "", ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.DBPath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	cycles, err := repo.List(historyLimit)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(cycles) == 0 {
		fmt.Println("No update cycles recorded")
		return nil
	}

	fmt.Printf("%-6s %-10s %-12s %-10s %-20s %s\n", "ID", "VERSION", "STATUS", "BYTES", "UPDATED", "ERROR")
	fmt.Println("------------------------------------------------------------------------------------------------")

	for _, c := range cycles {
		version := c.Version
		if version == "" {
			version = "-"
		}
		bytes := "-"
		if c.CiphertextLen != 0 {
			bytes = fmt.Sprintf("%d", c.CiphertextLen)
		}
		errMsg := c.ErrorMessage
		if errMsg == "" {
			errMsg = "-"
		}

		fmt.Printf("%-6d %-10s %-12s %-10s %-20s %s\n",
			c.ID, version, c.Status, bytes, c.UpdatedAt, errMsg)
	}

	return nil
}
