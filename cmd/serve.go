package cmd

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/faceauth/internal/camera"
	"github.com/andresmejia3/faceauth/internal/session"
	"github.com/andresmejia3/faceauth/internal/web"
	"github.com/andresmejia3/faceauth/internal/worker"
	"github.com/spf13/cobra"
)

var (
	serveCamera bool
	servePort   int
	serveHost   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Expose enrollment and login over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveCamera, "camera", false, "Drive sessions from the server camera instead of uploaded frames")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (default from WEB_PORT)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to bind (default from WEB_HOST)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	webCfg := Cfg.Web
	if servePort != 0 {
		webCfg.Port = servePort
	}
	if serveHost != "" {
		webCfg.Host = serveHost
	}

	// One worker process per channel; channels never share a detector.
	// The supervisor respawns a worker whose replies fell out of sync.
	var workerID atomic.Int64
	factory := func(_ context.Context, name string) (session.Analyzer, error) {
		id := int(workerID.Add(1))
		Logger.Info("spawning worker", "channel", name, "worker", id)
		w, err := worker.NewSupervisor(ctx, id, workerConfig(Cfg), Logger.With("channel", name))
		if err != nil {
			return nil, err
		}
		return w, nil
	}

	mgr := session.NewManager(sessionConfig(Cfg), DB, factory, Logger)
	defer mgr.Close()

	opts := web.Options{FrameScale: Cfg.Camera.Scale}
	if serveCamera {
		camCfg := cameraConfig(Cfg, "")
		opts.Camera = func(ctx context.Context) (web.CameraSource, error) {
			src, err := camera.Open(ctx, camCfg)
			if err != nil {
				return nil, err
			}
			return src, nil
		}
		// Camera frames are already scaled by the source.
		opts.FrameScale = 1
	}

	srv := web.NewServer(webCfg.Address(), mgr, DB, Logger, opts)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	fmt.Fprintf(os.Stderr, "🌐 Listening on http://%s/api/v1\n", webCfg.Address())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
