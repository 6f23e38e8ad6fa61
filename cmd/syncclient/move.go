package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/park285/cheese-sync/internal/clock"
	"github.com/park285/cheese-sync/internal/coordinator"
	"github.com/park285/cheese-sync/internal/session"
	"github.com/park285/cheese-sync/internal/transport"
	"github.com/park285/cheese-sync/pkg/chessdto"
)

var (
	movePush          bool
	moveAwaitComputer bool
	moveTimeout       time.Duration
)

var moveCmd = &cobra.Command{
	Use:   "move [session-id] [from] [to] [promotion]",
	Short: "Submit a move",
	Args:  cobra.RangeArgs(3, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()
		promo := ""
		if len(args) == 4 {
			promo = args[3]
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), moveTimeout)
		defer cancel()
		if movePush {
			return pushMove(ctx, cmd, a, args[0], chessdto.MoveRequest{From: args[1], To: args[2], Promotion: promo})
		}
		return postMove(ctx, cmd, a, args[0], args[1], args[2], promo)
	},
}

func init() {
	moveCmd.Flags().BoolVar(&movePush, "push", false, "send over the push channel instead of HTTP")
	moveCmd.Flags().BoolVar(&moveAwaitComputer, "await-computer", false, "wait for the computer's reply")
	moveCmd.Flags().DurationVar(&moveTimeout, "timeout", 30*time.Second, "overall deadline")
}

func postMove(ctx context.Context, cmd *cobra.Command, a *app, id, from, to, promo string) error {
	out := cmd.OutOrStdout()
	store := session.NewStore(strings.TrimSpace(id), session.WithLogger(a.logger))
	engine := clock.New(clock.WithLogger(a.logger))
	co := coordinator.New(store, a.api, engine, a.coordinatorConfig(), coordinator.WithLogger(a.logger))
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		_ = co.Close(sctx)
	}()

	if err := co.Sync(ctx); err != nil {
		return errors.New(coordinator.Describe(err))
	}
	mv, err := co.SubmitMove(ctx, from, to, promo)
	if err != nil {
		return errors.New(coordinator.Describe(err))
	}
	fmt.Fprintf(out, "played %s\n", mv)

	if !moveAwaitComputer {
		return nil
	}
	reply, err := co.RequestComputerMove(ctx)
	switch {
	case errors.Is(err, coordinator.ErrSuperseded):
		st := store.Snapshot()
		if n := st.MoveCount(); n > mv.Seq {
			fmt.Fprintf(out, "computer played %s\n", st.Session.Moves[n-1])
		}
		return nil
	case err != nil:
		return errors.New(coordinator.Describe(err))
	}
	fmt.Fprintf(out, "computer played %s\n", reply)
	return nil
}

func pushMove(ctx context.Context, cmd *cobra.Command, a *app, id string, req chessdto.MoveRequest) error {
	reg := transport.NewRegistry(a.newChannel)
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		_ = reg.Close(sctx)
	}()
	ch, err := reg.Open(ctx, id, a.cfg.Token)
	if err != nil {
		return err
	}

	want := strings.ToLower(req.From + req.To + req.Promotion)
	result := make(chan error, 1)
	hid := ch.OnEvent(func(env *chessdto.Envelope) {
		payload, err := chessdto.DecodePayload(env)
		if err != nil {
			return
		}
		switch p := payload.(type) {
		case *chessdto.MoveAppliedPayload:
			if p.Move.UCI() == want {
				fmt.Fprintf(cmd.OutOrStdout(), "played %s\n", p.Move)
				select {
				case result <- nil:
				default:
				}
			}
		case *chessdto.FaultPayload:
			if p.Code == "connection_lost" {
				return
			}
			select {
			case result <- fmt.Errorf("%s: %s", p.Code, p.Message):
			default:
			}
		}
	})
	defer ch.RemoveHandler(hid)

	if _, ok := ch.SubmitMove(req); !ok {
		return fmt.Errorf("push channel is %s; retry without --push", ch.State().Mode)
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("no confirmation: %w", ctx.Err())
	}
}
