package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/faceauth/internal/utils"
	"github.com/spf13/cobra"
)

var listFilter string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all enrolled identities",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runList(cmd)
	},
}

func init() {
	listCmd.Flags().StringVarP(&listFilter, "filter", "f", "", "Only show identities containing this text (case and accent insensitive)")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command) error {
	records, err := DB.All(cmd.Context())
	if err != nil {
		utils.ShowError("Failed to list identities", err, nil)
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "#\tIDENTITY\tDIM\tENROLLED")
	fmt.Fprintln(w, "-\t--------\t---\t--------")

	shown := 0
	for i, rec := range records {
		if !utils.MatchesHint(rec.Identity, listFilter) {
			continue
		}
		shown++
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", i+1, rec.Identity, len(rec.Embedding), rec.CreatedAt.Local().Format("2006-01-02 15:04"))
	}

	if shown == 0 {
		fmt.Println("No identities found.")
		return nil
	}
	return w.Flush()
}
