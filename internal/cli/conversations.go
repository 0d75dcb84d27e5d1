package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "Inspect stored conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		convs := store.List()
		out := cmd.OutOrStdout()
		if len(convs) == 0 {
			fmt.Fprintln(out, "No conversations.")
			return nil
		}

		current := store.CurrentID()
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "\tID\tTITLE\tMESSAGES\tUPDATED")
		for _, conv := range convs {
			marker := ""
			if conv.ID == current {
				marker = "*"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
				marker, conv.ID, conv.Title, len(conv.Messages), conv.UpdatedAt.Local().Format(time.DateTime))
		}
		return tw.Flush()
	},
}

func init() {
	conversationsCmd.AddCommand(conversationsListCmd)
}
