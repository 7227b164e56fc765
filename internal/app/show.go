package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

// Show prints recent positions.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show positions")
	}
	if closeStore != nil {
		defer closeStore()
	}

	positions, err := store.ListRecentPositions(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		fmt.Fprintln(os.Stdout, "no positions found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Opened (UTC)\tToken\tState\tEntry\tSize\tRemaining\tHigh\tRetries\tClosed (UTC)")

	for _, p := range positions {
		closedAt := ""
		if !p.ClosedAt.IsZero() {
			closedAt = p.ClosedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			p.OpenedAt.UTC().Format(time.RFC3339),
			p.Token,
			p.State,
			formatDecimal(p.EntryPrice, 6),
			formatDecimal(p.Size, 4),
			formatDecimal(p.RemainingSize, 4),
			formatDecimal(p.HighestPrice, 6),
			p.ExitRetries,
			closedAt,
		)
	}

	writer.Flush()
	return nil
}
