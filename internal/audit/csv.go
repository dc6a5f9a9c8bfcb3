package audit

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

type column struct {
	name  string
	value func(Record) string
}

func epoch(v int64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatInt(v, 10)
}

var columns = []column{
	{"id", func(r Record) string { return strconv.FormatUint(r.ID, 10) }},
	{"timestamp", func(r Record) string { return r.Timestamp }},
	{"event", func(r Record) string { return r.Event }},
	{"prefix", func(r Record) string { return r.Prefix }},
	{"duid", func(r Record) string { return r.DUID }},
	{"ia_type", func(r Record) string { return r.IAType }},
	{"iaid", func(r Record) string { return strconv.FormatUint(uint64(r.IAID), 10) }},
	{"state", func(r Record) string { return r.State }},
	{"link", func(r Record) string { return r.Link }},
	{"pool", func(r Record) string { return r.Pool }},
	{"static", func(r Record) string { return strconv.FormatBool(r.Static) }},
	{"fqdn", func(r Record) string { return r.FQDN }},
	{"start", func(r Record) string { return epoch(r.Start) }},
	{"preferred_end", func(r Record) string { return epoch(r.PreferredEnd) }},
	{"valid_end", func(r Record) string { return epoch(r.ValidEnd) }},
	{"interface_id", func(r Record) string { return r.InterfaceID }},
	{"remote_id", func(r Record) string { return r.RemoteID }},
	{"server_id", func(r Record) string { return r.ServerID }},
	{"reason", func(r Record) string { return r.Reason }},
}

// CSVHeaders lists every exportable column in default order.
var CSVHeaders = func() []string {
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = c.name
	}
	return names
}()

// selectColumns resolves names to columns; no names selects all of them.
func selectColumns(names []string) ([]column, error) {
	if len(names) == 0 {
		return columns, nil
	}
	out := make([]column, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		found := false
		for _, c := range columns {
			if c.name == n {
				out = append(out, c)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown CSV column %q", n)
		}
	}
	return out, nil
}

// WriteCSV writes records as CSV with a header row. Times are Unix seconds
// and empty when unset. names restricts and orders the columns.
func WriteCSV(w io.Writer, records []Record, names ...string) error {
	cols, err := selectColumns(names)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	row := make([]string, len(cols))
	for i, c := range cols {
		row[i] = c.name
	}
	if err := cw.Write(row); err != nil {
		return fmt.Errorf("writing CSV header: %w", err)
	}
	for _, r := range records {
		for i, c := range cols {
			row[i] = c.value(r)
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing CSV row %d: %w", r.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
