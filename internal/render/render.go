// Package render turns query outcomes into the markup fragments shown as
// widget messages. Every piece of service-supplied text passes through
// sanitize.Escape exactly once on its way into a fragment.
package render

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/comigor/crm-query-widget/internal/query"
	"github.com/comigor/crm-query-widget/internal/sanitize"
)

// MaxRows caps the number of data rows rendered into a table.
const MaxRows = 20

// NoResults is shown in place of an empty table.
const NoResults = "<em>No results found.</em>"

// Results renders rows as a bounded HTML table. Columns come from the keys of
// the first row; later rows with missing keys render empty cells and extra
// keys are not shown.
func Results(rows []query.Row) string {
	if len(rows) == 0 || rows[0] == nil {
		return NoResults
	}

	columns := Columns(rows[0])

	var sb strings.Builder
	sb.WriteString(`<div class="crm-query-results">`)
	fmt.Fprintf(&sb, "<strong>%s result(s):</strong>", humanize.Comma(int64(len(rows))))
	sb.WriteString("<table><thead><tr>")
	for _, col := range columns {
		sb.WriteString("<th>" + sanitize.Escape(col) + "</th>")
	}
	sb.WriteString("</tr></thead><tbody>")

	shown := rows
	if len(shown) > MaxRows {
		shown = shown[:MaxRows]
	}
	for _, row := range shown {
		sb.WriteString("<tr>")
		for _, col := range columns {
			sb.WriteString("<td>" + sanitize.Escape(Cell(row, col)) + "</td>")
		}
		sb.WriteString("</tr>")
	}
	sb.WriteString("</tbody></table>")

	if omitted := len(rows) - MaxRows; omitted > 0 {
		fmt.Fprintf(&sb, "<em>...and %s more</em>", humanize.Comma(int64(omitted)))
	}
	sb.WriteString("</div>")
	return sb.String()
}

// Columns lists the keys of row in their original order.
func Columns(row query.Row) []string {
	if row == nil {
		return nil
	}
	cols := make([]string, 0, row.Len())
	for pair := row.Oldest(); pair != nil; pair = pair.Next() {
		cols = append(cols, pair.Key)
	}
	return cols
}

// Cell returns the string form of row[col]. Absent and null values are empty.
func Cell(row query.Row, col string) string {
	if row == nil {
		return ""
	}
	v, ok := row.Get(col)
	if !ok {
		return ""
	}
	return Stringify(v)
}

// Stringify converts a decoded JSON scalar to display text.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

// SQL renders the executed query as a code block.
func SQL(sql string) string {
	return `<div class="crm-query-sql">` + sanitize.Escape(sql) + `</div>`
}

// Answer renders a successful result: the table followed by its SQL.
func Answer(res query.Result) string {
	return Results(res.Rows) + SQL(res.SQL)
}

// Question renders the user's own text.
func Question(q string) string {
	return sanitize.Escape(q)
}

// ServiceError renders a failure reported by the query service.
func ServiceError(msg string) string {
	return "Error: " + sanitize.Escape(msg)
}

// ConnectionError renders a failure to reach the query service.
func ConnectionError(err error) string {
	return "Connection error: " + sanitize.Escape(query.Cause(err))
}

// Loading is the transient placeholder shown while a question is in flight.
func Loading() string {
	return `<span class="crm-query-loading"></span> Thinking...`
}
