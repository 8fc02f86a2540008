package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/rseata"
)

func newVerifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run diagnostic checks",
	}
	cmd.AddCommand(newVerifyArchiveCommand())
	return cmd
}

func newVerifyArchiveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "archive",
		Short:        "Verify the session archive configuration",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		Example: strings.TrimSpace(`
# Verify a disk archive
RSEATA_ARCHIVE=disk:///var/lib/rseata rseata verify archive

# Verify an S3-compatible archive (MinIO)
RSEATA_ARCHIVE=s3://localhost:9000/rseata?insecure=1 RSEATA_S3_ACCESS_KEY_ID=minio RSEATA_S3_SECRET_ACCESS_KEY=minio123 rseata verify archive

# Verify an AWS S3 archive
RSEATA_ARCHIVE=aws://my-bucket/tc RSEATA_AWS_REGION=us-west-2 rseata verify archive
`),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfigFile(); err != nil {
				return err
			}
			var cfg rseata.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			res, err := rseata.VerifyArchive(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Archive: %s\n", res.Archive)
			fmt.Fprintf(out, "Provider: %s\n", res.Provider)
			if cred := res.Credentials; cred.Source != "" || cred.AccessKey != "" {
				accessKey := cred.AccessKey
				if accessKey == "" {
					accessKey = "(none)"
				}
				fmt.Fprintf(out, "AccessKey: %s (has_secret:%t source:%s)\n", accessKey, cred.HasSecret, cred.Source)
			}
			fmt.Fprintln(out)
			for _, check := range res.Checks {
				if check.Err == nil {
					fmt.Fprintf(out, "✔ %s\n", check.Name)
				} else {
					fmt.Fprintf(out, "✘ %s: %v\n", check.Name, check.Err)
				}
			}
			if res.Passed() {
				fmt.Fprintln(out, "Archive verification succeeded.")
				return nil
			}
			return fmt.Errorf("archive verification failed")
		},
	}
	return cmd
}
