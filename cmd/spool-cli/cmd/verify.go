package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/unijord/spool/pkg/segment"
)

// verifyCmd represents the verify command.
var verifyCmd = &cobra.Command{
	Use:          "verify <file>",
	Short:        "Validates the checksum and layout of a segment file.",
	Long: `Validates the checksum and layout of a segment file, including every
payload chunk referenced by the manifest.`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		reader, err := segment.Open(args[0])
		if err != nil {
			return fmt.Errorf("segment invalid: %w", err)
		}
		defer func() {
			if err := reader.Close(); err != nil {
				fmt.Println(err)
			}
		}()

		bundles := 0
		for _, entry := range reader.Manifest() {
			rb, err := reader.ReadBundle(entry)
			if err != nil {
				return fmt.Errorf("bundle %d invalid: %w", entry.Index, err)
			}
			rb.Release()
			bundles++
		}

		fmt.Printf("%s: OK (%d streams, %d bundles)\n", args[0], len(reader.Streams()), bundles)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}
