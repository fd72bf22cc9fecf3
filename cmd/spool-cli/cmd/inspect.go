package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/unijord/spool/pkg/segment"
	"github.com/unijord/spool/pkg/slot"
)

// inspectCmd represents the inspect command.
var inspectCmd = &cobra.Command{
	Use:          "inspect <file>",
	Short:        "Prints the footer, stream directory and manifest of a segment file.",
	Long:         `Prints the footer, stream directory and manifest of a segment file.`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		reader, err := segment.Open(args[0])
		if err != nil {
			return err
		}
		defer func() {
			if err := reader.Close(); err != nil {
				fmt.Println(err)
			}
		}()

		fmt.Printf("Segment: %s\n", reader.Path())
		fmt.Printf("Version: %d\n", reader.Version())
		fmt.Printf("Streams: %d\n", len(reader.Streams()))
		fmt.Printf("Bundles: %d\n", reader.BundleCount())
		fmt.Println()

		fmt.Println("Stream directory:")
		for _, stream := range reader.Streams() {
			fmt.Printf("  stream %d: slot %d (%s) fingerprint %s offset %d length %d rows %d chunks %d\n",
				stream.StreamID,
				stream.Slot,
				slot.Label(stream.Slot),
				stream.Fingerprint,
				stream.Offset,
				stream.Length,
				stream.Rows,
				stream.Chunks,
			)
		}
		fmt.Println()

		fmt.Println("Manifest:")
		for _, entry := range reader.Manifest() {
			fmt.Printf("  bundle %d:", entry.Index)
			for _, ref := range entry.Refs {
				fmt.Printf(" slot %d -> stream %d chunk %d", ref.Slot, ref.Stream, ref.Chunk)
			}
			fmt.Println()
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}
