package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/toyotech/ota-client/internal/config"
	"github.com/toyotech/ota-client/pkg/errors"
	"github.com/toyotech/ota-client/pkg/storage"
)

var releasesPrefix string

var releasesCmd = &cobra.Command{
	Use:   "releases",
	Short: "List firmware images in the configured S3 bucket",
	RunE:  runReleases,
}

func init() {
	rootCmd.AddCommand(releasesCmd)
	releasesCmd.Flags().StringVar(&releasesPrefix, "prefix", "", "Only list keys with this prefix")
}

func runReleases(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if cfg.S3Bucket == "" {
		return fmt.Errorf("s3-bucket is not configured")
	}

	client, err := storage.NewClient(ctx, cfg.S3Bucket, cfg.S3Region, storage.Options{Endpoint: cfg.S3Endpoint})
	if err != nil {
		return errors.Wrap(err, "S3 client failed")
	}

	objects, err := client.ListObjects(ctx, releasesPrefix)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(objects) == 0 {
		fmt.Println("No releases found")
		return nil
	}

	fmt.Printf("%-50s %-12s %-25s\n", "KEY", "SIZE", "LAST MODIFIED")
	fmt.Println("------------------------------------------------------------------------------------------------")

	for _, o := range objects {
		fmt.Printf("%-50s %-12d %-25s\n", o.Key, o.Size, o.LastModified.Format("2006-01-02 15:04:05"))
	}

	return nil
}
