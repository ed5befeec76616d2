package cmd

import (
	"github.com/andresmejia3/faceauth/internal/session"
	"github.com/spf13/cobra"
)

var loginDevice string

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate against enrolled identities after a blink liveness check",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runAuth(cmd.Context(), session.ModeLogin, "", loginDevice)
	},
}

func init() {
	loginCmd.Flags().StringVarP(&loginDevice, "device", "i", "", "Camera device or recorded clip (default from FACEAUTH_CAMERA_DEVICE)")
	rootCmd.AddCommand(loginCmd)
}
