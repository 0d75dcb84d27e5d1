package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"neuropulse/internal/export"
)

var exportOutput string

var exportCmd = &cobra.Command{
	Use:   "export [conversation-id]",
	Short: "Export a conversation as Markdown",
	Long: `Export writes a conversation as Markdown. Without an id the current
conversation is used. Without --output the document goes to stdout; when
--output names a directory the file name is derived from the title.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		id := store.CurrentID()
		if len(args) == 1 {
			id = args[0]
		}
		if id == "" {
			return fmt.Errorf("no conversation to export")
		}
		conv, err := store.Get(id)
		if err != nil {
			return fmt.Errorf("export %s: %w", id, err)
		}

		now := time.Now()
		if exportOutput == "" {
			export.WriteTo(cmd.OutOrStdout(), conv, now)
			return nil
		}

		path := exportOutput
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			path = filepath.Join(path, export.Filename(conv.Title))
		}
		if err := export.WriteFile(path, conv, now); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Exported %q to %s\n", conv.Title, path)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output file or directory")
}
