package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vjranagit/luxlogger/pkg/storage"
)

var deadLettersCmd = &cobra.Command{
	Use:   "dead-letters [path]",
	Short: "List readings that were dropped during a flush",
	Long: `dead-letters prints the dead-letter log, one line per dropped reading.
The path defaults to storage.dead_letter_path.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path = cfg.Storage.DeadLetterPath
		}
		if path == "" {
			return fmt.Errorf("no dead-letter log configured (set storage.dead_letter_path)")
		}
		n, err := printDeadLetters(os.Stdout, path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		fmt.Fprintf(os.Stderr, "%d dead letters\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deadLettersCmd)
}

func printDeadLetters(out io.Writer, path string) (int, error) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIMESTAMP\tDROPPED AT\tSENSORS\tERROR")
	n := 0
	err := storage.ReadDeadLetters(path, func(d storage.DeadLetter) error {
		n++
		_, err := fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n",
			d.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
			d.DroppedAt.Format("2006-01-02T15:04:05Z07:00"),
			len(d.Values), d.Error)
		return err
	})
	if err != nil {
		return n, err
	}
	return n, tw.Flush()
}
