package agenda

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/eljojo/agenda/types"
	"github.com/kataras/tablewriter"
	"github.com/lensesio/tableprinter"
)

type agendaRow struct {
	When     string `header:"when"`
	Title    string `header:"title"`
	Where    string `header:"where"`
	Host     string `header:"host"`
	Going    int    `header:"going"`
	Maybe    int    `header:"maybe"`
	Calendar string `header:"coordinate"`
}

// PrintUpcoming renders the upcoming events in scope as a table.
func PrintUpcoming(w io.Writer, store *EventStore, active string, scope Scope, now time.Time) int {
	events := store.UpcomingEvents(now, scope)
	snap := store.SortSnapshot(active)

	rows := make([]agendaRow, 0, len(events))
	for _, ce := range events {
		row := agendaRow{
			When:     formatWhen(ce, now),
			Title:    ce.Title,
			Where:    strings.Join(ce.Locations, ", "),
			Host:     snap.DisplayName(ce.PubKey),
			Calendar: ce.Coord.Identifier,
		}
		for _, r := range store.RSVPs(ce.Coord) {
			switch r.Status {
			case types.RSVPAccepted:
				row.Going++
			case types.RSVPTentative:
				row.Maybe++
			}
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		fmt.Fprintf(w, "nothing upcoming (%s)\n", scope)
		return 0
	}

	printer := tableprinter.New(w)
	printer.BorderTop, printer.BorderBottom, printer.BorderLeft, printer.BorderRight = true, true, true, true
	printer.CenterSeparator = "│"
	printer.ColumnSeparator = "│"
	printer.RowSeparator = "─"
	printer.HeaderBgColor = tablewriter.BgBlackColor
	printer.HeaderFgColor = tablewriter.FgGreenColor

	return printer.Print(rows)
}

func formatWhen(ce *types.CalendarEvent, now time.Time) string {
	loc := ce.Location()
	start := ce.Start.In(loc)
	out := start.Format("Mon Jan 2 15:04")
	if ce.HasEnd() {
		end := ce.End.In(loc)
		if end.YearDay() == start.YearDay() && end.Year() == start.Year() {
			out += end.Format("–15:04")
		} else {
			out += " → " + end.Format("Mon Jan 2 15:04")
		}
	}
	if ce.StartTZ != "" {
		out += " " + ce.StartTZ
	}
	if !ce.Start.After(now) {
		out += " (now)"
	}
	return out
}
