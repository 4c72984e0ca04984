package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomekzaw/expo-updates-engine/internal/devbridge"
)

func newServeDevBridgeCmd(configPath *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve-devbridge",
		Short: "Serve the state-machine inspection bridge (HTTP snapshot, WebSocket stream, metrics)",
		RunE: func(cobraCmd *cobra.Command, _ []string) error {
			startCtx, startCancel := context.WithTimeout(cobraCmd.Context(), 30*time.Second)
			engine, err := buildEngine(startCtx, *configPath)
			startCancel()
			if err != nil {
				return err
			}
			defer engine.Close()

			bridge := devbridge.NewServer(engine.StateMachine(), nil)

			runCtx, runCancel := context.WithCancel(cobraCmd.Context())
			defer runCancel()
			go bridge.Run(runCtx)

			server := &http.Server{
				Addr:    addr,
				Handler: bridge.Router(),
			}

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

			go func() {
				fmt.Fprintf(cobraCmd.OutOrStdout(), "devbridge listening on %s\n", addr)
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					fmt.Fprintf(cobraCmd.ErrOrStderr(), "devbridge server error: %v\n", err)
				}
			}()

			<-quit
			fmt.Fprintln(cobraCmd.OutOrStdout(), "shutting down devbridge...")

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return server.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8082", "address to serve the devbridge on")
	return cmd
}
