package main

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"

	"github.com/jefgrailet/rtrack/internal/iptable"
)

// newDictionaryTable configures a tablewriter.Table with the borders and
// separators every IP-dictionary view in this CLI shares.
func newDictionaryTable(w io.Writer, headers []string) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetBorder(true)
	t.SetRowLine(false)
	t.SetAutoWrapText(false)
	t.SetAutoFormatHeaders(true)
	t.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetCenterSeparator("│")
	t.SetColumnSeparator("│")
	t.SetRowSeparator("─")
	t.SetHeaderLine(true)
	t.SetTablePadding(" ")
	t.SetHeader(headers)
	return t
}

// printIPTable renders every interface the table has learned about as a
// summary table, the way "rtrack trace --table" lets an operator eyeball a
// run's IP dictionary without opening the .ip file.
func printIPTable(w io.Writer, table *iptable.Table) {
	t := newDictionaryTable(w, []string{"Address", "Min TTL", "Rate-Limited", "Stretched", "Cycling"})

	table.ForEach(func(iface *iptable.Interface) {
		t.Append([]string{
			iface.Addr().String(),
			fmt.Sprintf("%d", iface.MinTTL()),
			yesNo(iface.IsRateLimited()),
			yesNo(iface.IsStretched()),
			yesNo(iface.IsCycling()),
		})
	})

	t.Render()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "-"
}
