package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/raphi011/testreport/internal/archive"
	"github.com/raphi011/testreport/internal/config"
	"github.com/raphi011/testreport/internal/model"
	"github.com/raphi011/testreport/internal/objectstore"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"
)

type storeFactory func(ctx context.Context, cfg config.Config) (objectstore.Store, error)

func newS3Store(ctx context.Context, cfg config.Config) (objectstore.Store, error) {
	return objectstore.NewS3(ctx, objectstore.S3Options{
		Bucket:         cfg.Bucket,
		Region:         cfg.S3Region,
		Endpoint:       cfg.S3Endpoint,
		ForcePathStyle: cfg.S3ForcePathStyle,
		AccessKey:      cfg.S3AccessKey,
		SecretKey:      cfg.S3SecretKey,
	})
}

func newUploadCmd(log *slog.Logger, newStore storeFactory) *cobra.Command {
	var (
		dir        string
		configFile string
	)

	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload the archives of a directory to the bucket",
		Long: `Upload finds all <run-id>.tar.gz archives in a directory and uploads them to
the bucket. Archives that were uploaded before are skipped, a failed upload
does not stop the others.`,
		Args: cobra.NoArgs,
	}

	collect := config.BindFlags(cmd.Flags())
	cmd.Flags().StringVar(&dir, "dir", ".", "directory containing the archives")
	cmd.Flags().StringVar(&configFile, "config", config.FileName, "configuration file")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := config.Load(ctx, collect(), configFile, envconfig.OsLookuper())
		if err != nil {
			return err
		}
		if cfg.Bucket == "" {
			return model.ConfigurationError{Field: "bucket", Msg: "upload requires a bucket"}
		}

		paths, err := archive.FindArchives(dir)
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "no archives found in %s\n", dir)
			return nil
		}

		store, err := newStore(ctx, cfg)
		if err != nil {
			return err
		}

		res := objectstore.NewUploader(store, log).UploadAll(ctx, paths)

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%d uploaded, %d already present, %d failed (bucket: %s)\n", len(res.Uploaded), len(res.Skipped), len(res.Failed), cfg.Bucket)
		for p, err := range res.Failed {
			fmt.Fprintf(out, "  ✗ %s: %v\n", p, err)
		}

		if len(res.Failed) > 0 {
			return exitCode(1)
		}

		return nil
	}

	return cmd
}
