package simplevote

import (
	"io"

	"github.com/kataras/tablewriter"
	"github.com/lensesio/tableprinter"
)

type balanceRow struct {
	Rank   int    `header:"#"`
	Player string `header:"player"`
	Tokens int    `header:"tokens"`
}

type siteRow struct {
	Name string `header:"site"`
	URL  string `header:"url"`
}

func newPrinter(w io.Writer) *tableprinter.Printer {
	printer := tableprinter.New(w)

	// Optionally, customize the table, import of the underline 'tablewriter' package is required for that.
	printer.BorderTop, printer.BorderBottom, printer.BorderLeft, printer.BorderRight = true, true, true, true
	printer.CenterSeparator = "│"
	printer.ColumnSeparator = "│"
	printer.RowSeparator = "─"
	printer.HeaderBgColor = tablewriter.BgBlackColor
	printer.HeaderFgColor = tablewriter.FgGreenColor
	return printer
}

// PrintBalances renders balances as a table, in the order given.
func PrintBalances(w io.Writer, balances []Balance) {
	rows := make([]balanceRow, 0, len(balances))
	for i, b := range balances {
		rows = append(rows, balanceRow{Rank: i + 1, Player: b.Player, Tokens: b.Tokens})
	}
	newPrinter(w).Print(rows)
}

// PrintVotingSites renders the configured voting sites.
func PrintVotingSites(w io.Writer, sites []VotingSite) {
	rows := make([]siteRow, 0, len(sites))
	for _, s := range sites {
		rows = append(rows, siteRow{Name: s.Name, URL: s.URL})
	}
	newPrinter(w).Print(rows)
}
