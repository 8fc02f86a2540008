package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/rseata/internal/version"
)

func newVersionCommand() *cobra.Command {
	var onlyVersion bool
	var semver bool
	var output string
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the rseata version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if outputMode(strings.ToLower(output)) == outputJSON {
				return writeJSON(out, version.Describe())
			}
			switch {
			case semver:
				_, err := fmt.Fprintln(out, version.Semver())
				return err
			case onlyVersion:
				_, err := fmt.Fprintln(out, version.Current())
				return err
			}
			_, err := fmt.Fprintf(out, "%s %s\n", version.Module(), version.Current())
			return err
		},
	}
	cmd.Flags().BoolVar(&onlyVersion, "version", false, "print only the version")
	cmd.Flags().BoolVar(&semver, "semver", false, "print only the semantic version without build metadata")
	cmd.Flags().StringVar(&output, "output", string(outputText), "output format (text|json)")
	cmd.MarkFlagsMutuallyExclusive("version", "semver", "output")
	return cmd
}
