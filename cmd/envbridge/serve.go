package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sevir/envbridge/internal/server"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the status and control API around one worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if host != "" {
				cfg.Server.Host = host
			}
			if port != 0 {
				cfg.Server.Port = port
			}

			rt, err := newRuntime(cfg)
			if err != nil {
				return err
			}

			srvCfg := server.Config{
				Addr:    cfg.Address(),
				Bridge:  rt.bridge,
				Worker:  rt.sup,
				Version: version,
				Commit:  commit,
			}
			if rt.recorder != nil {
				srvCfg.History = rt.recorder
			}
			srv := server.New(srvCfg)

			// Handle shutdown
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			done := make(chan struct{})
			go func() {
				defer close(done)
				select {
				case <-sigCh:
				case <-ctx.Done():
				}
				log.Println("Shutting down...")
				cancel()

				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer shutdownCancel()

				if err := srv.Shutdown(shutdownCtx); err != nil {
					log.Printf("Server shutdown error: %v", err)
				}
				rt.close()
			}()

			log.Printf("envbridge %s starting", version)
			log.Printf("Worker:       %s %v", cfg.Worker.Command, cfg.Worker.Args)
			log.Printf("Control URL:  %s", cfg.ControlURL())
			log.Printf("Status:       http://%s/api/status", cfg.Address())
			log.Printf("Health check: http://%s/health", cfg.Address())

			err = srv.Start()
			if errors.Is(err, http.ErrServerClosed) {
				err = nil
			}
			cancel()
			<-done
			return err
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Server host (default: 127.0.0.1)")
	cmd.Flags().IntVar(&port, "port", 0, "Server port (default: 8766)")
	return cmd
}
