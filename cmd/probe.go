package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/andresmejia3/faceauth/internal/match"
	"github.com/andresmejia3/faceauth/internal/types"
	"github.com/andresmejia3/faceauth/internal/utils"
	"github.com/andresmejia3/faceauth/internal/worker"
	"github.com/spf13/cobra"
)

var probeCmd = &cobra.Command{
	Use:   "probe <image_path>",
	Short: "Show the nearest enrolled identity for a still image (diagnostic, never authenticates)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runProbe(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

func runProbe(ctx context.Context, imagePath string) error {
	if _, err := os.Stat(imagePath); os.IsNotExist(err) {
		utils.ShowError("Input file does not exist", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	// We use ID 0 for this ad-hoc worker
	w, err := worker.NewPythonWorker(ctx, 0, workerConfig(Cfg))
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}
	defer w.Close()

	imgData, err := os.ReadFile(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
	faces, err := w.Detect(ctx, imgData)
	if err != nil {
		utils.ShowError("AI processing failed", err, w.Cmd)
		return err
	}

	if len(faces) == 0 {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}

	bestFace := largestFace(faces)
	if len(faces) > 1 {
		fmt.Printf("⚠️  Multiple faces detected (%d). Using the largest face.\n", len(faces))
	}

	emb, err := w.Extract(ctx, imgData, bestFace.Loc)
	if errors.Is(err, worker.ErrNoEmbedding) {
		fmt.Println("❌ Face found but no embedding could be computed.")
		return nil
	}
	if err != nil {
		utils.ShowError("Embedding extraction failed", err, w.Cmd)
		return err
	}

	fmt.Fprintln(os.Stderr, "🗄️  Searching enrollments...")
	records, err := DB.All(ctx)
	if err != nil {
		utils.ShowError("Store read failed", err, nil)
		return err
	}

	res, err := match.New(Cfg.Match.Threshold).Match(emb, records)
	if errors.Is(err, match.ErrNoEnrolledUsers) {
		fmt.Println("❌ No identities enrolled yet.")
		return nil
	}
	if err != nil {
		utils.ShowError("Match failed", err, nil)
		return err
	}

	verdict := "above threshold, would be rejected"
	if res.Accepted {
		verdict = "within threshold"
	}
	fmt.Printf("👤 Nearest: %s (distance %.4f, threshold %.2f, %s)\n", res.Identity, res.Distance, Cfg.Match.Threshold, verdict)
	fmt.Println("ℹ️  Still images are not live; use 'login' to authenticate.")
	return nil
}

// largestFace picks the face with the biggest bounding box. Box is (top, right, bottom, left).
func largestFace(faces []types.Face) types.Face {
	bestFace := faces[0]
	maxArea := boxArea(bestFace.Loc)
	for _, f := range faces[1:] {
		if area := boxArea(f.Loc); area > maxArea {
			maxArea = area
			bestFace = f
		}
	}
	return bestFace
}

func boxArea(b types.Box) int {
	return (b[2] - b[0]) * (b[1] - b[3])
}
