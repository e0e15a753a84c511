package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "ota-client",
	Short: "Secure over-the-air firmware update client",
	Long:  `Checks for firmware updates over mutual TLS, downloads encrypted images into the staging region, and decrypts, verifies and commits them to the execution region.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("db-path", ".artifacts/ledger.db", "SQLite update ledger path")
	rootCmd.PersistentFlags().String("fsm-db-path", ".artifacts/fsm", "FSM BoltDB path")
	rootCmd.PersistentFlags().String("region-dir", ".artifacts/regions", "Directory holding the staging and execution regions")
	rootCmd.PersistentFlags().Int64("region-size", 2*1024*1024, "Size of each region in bytes")
	rootCmd.PersistentFlags().String("check-url", "https://ota.example.com/api/v1/firmware/check", "Firmware metadata endpoint")
	rootCmd.PersistentFlags().String("download-base-url", "https://ota.example.com/api/v1/firmware/", "Prefix for firmware content locators (https:// or s3://)")
	rootCmd.PersistentFlags().String("report-url", "", "Endpoint receiving failed-cycle reports")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket holding firmware releases")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "S3 region")
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3-compatible endpoint override")
	rootCmd.PersistentFlags().Bool("hash-final-block", false, "Include the final (padded) block in the verified length")
	rootCmd.PersistentFlags().String("restart-command", "", "Command run to restart the device after commit")

	for _, name := range []string{
		"db-path", "fsm-db-path", "region-dir", "region-size",
		"check-url", "download-base-url", "report-url",
		"s3-bucket", "s3-region", "s3-endpoint",
		"hash-final-block", "restart-command",
	} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}
