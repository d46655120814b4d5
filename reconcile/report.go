package reconcile

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
)

// Render writes a drift table of the discrepancies, one row each, preserving
// their order. Nothing is written for an empty list.
func Render(w io.Writer, diffs []Discrepancy) {
	if len(diffs) == 0 {
		return
	}
	rows := make([][]string, 0, len(diffs))
	for i, diff := range diffs {
		rows = append(rows, []string{fmt.Sprintf("%d", i+1), diff.Cluster, diff.Kind.String(), diff.Topic, diff.Channel, diff.Address})
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "Cluster", "Drift", "Topic", "Channel", "Address"})
	table.SetAutoWrapText(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.AppendBulk(rows)
	table.Render()
}
