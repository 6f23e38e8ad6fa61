package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/park285/cheese-sync/internal/transport"
)

var (
	checkSession string
	checkWait    time.Duration
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe the game API and push endpoint",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()
		out := cmd.OutOrStdout()

		ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.HTTPTimeout)
		games, err := a.api.ActiveGames(ctx)
		cancel()
		if err != nil {
			fmt.Fprintf(out, "api: error: %v\n", err)
		} else {
			fmt.Fprintf(out, "api: ok (%d active games)\n", len(games))
		}

		id := checkSession
		if id == "" && len(games) > 0 {
			id = games[0].ID
		}
		if id == "" {
			fmt.Fprintln(out, "push: skipped (no session; pass --session)")
			return nil
		}

		ch := a.newChannel()
		connected := make(chan struct{}, 1)
		ch.OnStateChange(func(st transport.State) {
			fmt.Fprintf(out, "push: %s\n", st.Mode)
			if st.Live() {
				select {
				case connected <- struct{}{}:
				default:
				}
			}
		})
		wctx, wcancel := context.WithTimeout(cmd.Context(), checkWait)
		defer wcancel()
		if _, err := ch.Connect(wctx, id, a.cfg.Token); err != nil {
			fmt.Fprintf(out, "push: dial error: %v\n", err)
		}
		select {
		case <-connected:
			fmt.Fprintln(out, "push: ok")
		case <-wctx.Done():
			fmt.Fprintln(out, "push: not connected within", checkWait)
		}
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		return ch.Close(sctx)
	},
}

func init() {
	checkCmd.Flags().StringVar(&checkSession, "session", "", "session id to probe the push channel with")
	checkCmd.Flags().DurationVar(&checkWait, "wait", 10*time.Second, "how long to wait for the push channel")
}
