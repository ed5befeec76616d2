package cmd

import (
	"github.com/andresmejia3/faceauth/internal/session"
	"github.com/spf13/cobra"
)

var enrollDevice string

var enrollCmd = &cobra.Command{
	Use:   "enroll <identity>",
	Short: "Register a new identity after a blink liveness check",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runAuth(cmd.Context(), session.ModeEnroll, args[0], enrollDevice)
	},
}

func init() {
	enrollCmd.Flags().StringVarP(&enrollDevice, "device", "i", "", "Camera device or recorded clip (default from FACEAUTH_CAMERA_DEVICE)")
	rootCmd.AddCommand(enrollCmd)
}
