package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/park285/cheese-sync/internal/clock"
	"github.com/park285/cheese-sync/internal/coordinator"
	"github.com/park285/cheese-sync/internal/guard"
	"github.com/park285/cheese-sync/internal/session"
	"github.com/park285/cheese-sync/internal/transport"
)

var watchCmd = &cobra.Command{
	Use:   "watch [session-id]",
	Short: "Follow a session: moves, clocks and connection state",
	Long: `watch connects to the session's push channel, pulls when push is down,
ticks both clocks locally and prints every confirmed move.

Ctrl-C asks before leaving a timed game in progress; SIGTERM leaves
without resigning.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()
	out := cmd.OutOrStdout()
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	id := strings.TrimSpace(args[0])

	storeOpts := []session.Option{session.WithLogger(a.logger)}
	if a.cfg.RedisURL != "" {
		cache, err := session.OpenRedisCache(ctx, a.cfg.RedisURL, a.cfg.CacheTTL())
		if err != nil {
			a.logger.Warn("session_cache_unavailable", zap.Error(err))
		} else {
			defer func() { _ = cache.Close() }()
			storeOpts = append(storeOpts, session.WithCache(cache))
		}
	}
	store := session.NewStore(id, storeOpts...)
	if ok, err := store.Restore(ctx); err != nil {
		a.logger.Warn("session_restore_failed", zap.String("session_id", id), zap.Error(err))
	} else if ok {
		st := store.Snapshot()
		fmt.Fprintf(out, "cached: %d moves, %s to move (refreshing)\n", st.MoveCount(), st.SideToMove())
	}

	engine := clock.New(
		clock.WithTickPeriod(a.cfg.TickPeriod),
		clock.WithResurrectAfter(a.cfg.ResurrectAfter),
		clock.WithLogger(a.logger),
	)
	co := coordinator.New(store, a.api, engine, a.coordinatorConfig(), coordinator.WithLogger(a.logger))

	reg := transport.NewRegistry(a.newChannel)
	ch, err := reg.Open(ctx, id, a.cfg.Token)
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	ch.OnStateChange(func(st transport.State) {
		if st.Mode == transport.ModePollingFallback {
			fmt.Fprintf(out, "push down (attempt %d), pulling until %s\n", st.Failures, st.NextRetry.Format("15:04:05"))
			return
		}
		fmt.Fprintf(out, "push %s\n", st.Mode)
	})
	co.Attach(ch)
	co.OnError(func(err error) { fmt.Fprintln(cmd.ErrOrStderr(), coordinator.Describe(err)) })
	store.Subscribe(func(c session.Change) { printChange(out, c) })
	engine.OnReading(readingPrinter(out))

	g, err := guard.Install(ctx, a.api, terminalPrompter{in: bufio.NewReader(os.Stdin), out: out}, guard.WithLogger(a.logger), guard.WithCatalog(a.cat))
	if err != nil {
		return err
	}
	defer func() { _ = g.Uninstall() }()
	store.Subscribe(func(c session.Change) {
		if !c.Finished {
			return
		}
		g.Release(store.ID())
		// a finished game needs no push connection; Close waits for the
		// listener this callback may be running on
		go func() {
			rctx, rcancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer rcancel()
			if err := reg.Release(rctx, id); err != nil {
				a.logger.Warn("transport_release_failed", zap.String("session_id", id), zap.Error(err))
			}
		}()
	})

	go engine.Run(ctx)
	runErr := make(chan error, 1)
	go func() { runErr <- co.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var result error
wait:
	for {
		select {
		case err := <-runErr:
			result = err
			break wait
		case sig := <-sigCh:
			if sig == syscall.SIGTERM {
				if msg, ok := g.BeforeUnload(); ok {
					fmt.Fprintln(cmd.ErrOrStderr(), msg)
				}
				break wait
			}
			res, err := g.Navigate(ctx, guard.Navigation{Kind: guard.NavExit, Target: "shell"})
			if err != nil {
				a.logger.Warn("guard_navigate_failed", zap.Error(err))
			}
			for _, line := range res.FailureMessages(a.cat) {
				fmt.Fprintln(cmd.ErrOrStderr(), line)
			}
			if res.Allowed() {
				break wait
			}
			fmt.Fprintln(out, "still watching")
		}
	}

	cancel()
	engine.Stop()
	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := co.Close(sctx); err != nil {
		a.logger.Warn("coordinator_close_failed", zap.Error(err))
	}
	if err := reg.Close(sctx); err != nil {
		a.logger.Warn("transport_close_failed", zap.Error(err))
	}
	if errors.Is(result, context.Canceled) {
		return nil
	}
	return result
}

func printChange(w io.Writer, c session.Change) {
	for _, mv := range c.NewMoves {
		fmt.Fprintf(w, "move %s by %s\n", mv, mv.Author)
	}
	if len(c.NewMoves) > 0 && c.State.Session != nil {
		if m, ok := session.MaterialOf(c.State.Session.FEN); ok && m.Diff() != 0 {
			fmt.Fprintf(w, "material %+d\n", m.Diff())
		}
	}
	if c.Finished && c.State.Session != nil {
		s := c.State.Session
		fmt.Fprintf(w, "game over: %s (%s)\n", s.Outcome, s.Termination)
	}
}

// readingPrinter prints a clock line whenever the displayed seconds change.
func readingPrinter(w io.Writer) clock.ReadingListener {
	var mu sync.Mutex
	var last string
	return func(r clock.Reading) {
		line := fmt.Sprintf("white %s  black %s", clock.Format(r.White), clock.Format(r.Black))
		if r.Running != "" {
			line += fmt.Sprintf("  (%s to move)", r.Running)
			if p := clock.PressureOf(r.Remaining(r.Running)); p != clock.PressureNone {
				line += " [" + string(p) + "]"
			}
		}
		if r.TimedOut != "" {
			line += fmt.Sprintf("  %s flagged", r.TimedOut)
		}
		mu.Lock()
		defer mu.Unlock()
		if line == last {
			return
		}
		last = line
		fmt.Fprintln(w, line)
	}
}

type terminalPrompter struct {
	in  *bufio.Reader
	out io.Writer
}

func (p terminalPrompter) Confirm(_ context.Context, pr guard.Prompt) (guard.Choice, error) {
	fmt.Fprintf(p.out, "%s\n%s\n[f] %s  [s] %s > ", pr.Title, pr.Message, pr.Forfeit, pr.Stay)
	line, err := p.in.ReadString('\n')
	if err != nil && line == "" {
		return guard.ChoiceStay, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "f", "forfeit":
		return guard.ChoiceForfeit, nil
	default:
		return guard.ChoiceStay, nil
	}
}
