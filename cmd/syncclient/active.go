package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/park285/cheese-sync/pkg/chessdto"
)

var activeCmd = &cobra.Command{
	Use:   "active",
	Short: "List sessions that currently bind the user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()
		ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.HTTPTimeout)
		defer cancel()

		games, err := a.api.ActiveGames(ctx)
		if err != nil {
			return fmt.Errorf("active games: %w", err)
		}
		if len(games) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no active games")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tWHITE\tBLACK\tMOVES\tSTATUS\tTIME")
		for _, g := range games {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", g.ID, label(g.White), label(g.Black), len(g.Moves), g.Status, g.TimeControl)
		}
		return tw.Flush()
	},
}

func label(p chessdto.Participant) string {
	switch {
	case p.IsComputer():
		return "computer"
	case p.Name != "":
		return p.Name
	default:
		return p.ID
	}
}
