package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/nmxmxh/tangled/internal/swarm"
	"github.com/nmxmxh/tangled/pkg/winreg"
)

// renderWindows prints one row per record. Records older than staleAfter are
// flagged.
func renderWindows(w io.Writer, records []winreg.Record[swarm.Meta], staleAfter time.Duration, now time.Time) error {
	table := tablewriter.NewWriter(w)
	if err := table.Append([]string{"ID", "Name", "Center", "Size", "Particles", "Age", "State"}); err != nil {
		return fmt.Errorf("append header row: %w", err)
	}
	for _, r := range records {
		age := now.Sub(r.Updated()).Truncate(time.Millisecond)
		state := color.New(color.FgHiGreen, color.Bold).Sprint("live")
		if age > staleAfter {
			state = color.New(color.FgHiRed, color.Bold).Sprint("stale")
		}
		row := []string{
			color.New(color.FgHiYellow, color.Bold).Sprint(r.ID),
			color.New(color.FgHiMagenta).Sprint(r.Metadata.Name),
			color.New(color.FgHiBlue).Sprintf("%.0f,%.0f", r.Center.X, r.Center.Y),
			fmt.Sprintf("%.0fx%.0f", r.Shape.W, r.Shape.H),
			strconv.Itoa(r.Metadata.Particles),
			color.New(color.FgHiBlack).Sprint(age),
			state,
		}
		if err := table.Append(row); err != nil {
			return fmt.Errorf("append row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("render table: %w", err)
	}
	return nil
}

type swarmSummary struct {
	ID         int64
	Attractors int
	MeanRadius float64
	MeanSpeed  float64
}

func renderSummaries(w io.Writer, rows []swarmSummary) error {
	table := tablewriter.NewWriter(w)
	if err := table.Append([]string{"Window", "Attractors", "Mean radius", "Mean speed"}); err != nil {
		return fmt.Errorf("append header row: %w", err)
	}
	for _, r := range rows {
		if err := table.Append([]string{
			color.New(color.FgHiYellow, color.Bold).Sprint(r.ID),
			strconv.Itoa(r.Attractors),
			strconv.FormatFloat(r.MeanRadius, 'f', 2, 64),
			strconv.FormatFloat(r.MeanSpeed, 'f', 4, 64),
		}); err != nil {
			return fmt.Errorf("append row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("render table: %w", err)
	}
	return nil
}
