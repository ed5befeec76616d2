package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andresmejia3/faceauth/internal/utils"
	"github.com/spf13/cobra"
)

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete every enrollment from the configured store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		prompt := fmt.Sprintf("⚠️  Are you sure you want to delete ALL enrollments from the %s store?", Cfg.Store.Backend)
		if !resetYes && !confirm(bufio.NewReader(os.Stdin), os.Stdout, prompt) {
			fmt.Println("Aborted.")
			return nil
		}

		fmt.Println("🗑️  Clearing enrollments...")
		if err := DB.Reset(cmd.Context()); err != nil {
			utils.ShowError("Failed to reset store", err, nil)
			return err
		}
		fmt.Println("✨ Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Skip the confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
