package audit

import (
	"bytes"
	"encoding/csv"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/athena-dhcpd/athena-dhcp6d/internal/events"
)

func testDB(t *testing.T) *bolt.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "audit", "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestLog(t *testing.T, bus *events.Bus) *Log {
	t.Helper()
	if bus == nil {
		bus = events.NewBus(100, testLogger())
	}
	al, err := NewLog(testDB(t), bus, "node-1", 0, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return al
}

func TestAuditAppendAndQuery(t *testing.T) {
	al := newTestLog(t, nil)

	now := time.Now().UTC()
	records := []Record{
		{Timestamp: now.Add(-2 * time.Hour).Format(time.RFC3339Nano), Event: "binding.commit", Prefix: "2001:db8:1::100/128", DUID: "0003000101", Link: "lan", Start: now.Add(-2 * time.Hour).Unix(), ValidEnd: now.Add(22 * time.Hour).Unix()},
		{Timestamp: now.Add(-1 * time.Hour).Format(time.RFC3339Nano), Event: "binding.renew", Prefix: "2001:db8:1::100/128", DUID: "0003000101", Link: "lan", Start: now.Add(-1 * time.Hour).Unix(), ValidEnd: now.Add(23 * time.Hour).Unix()},
		{Timestamp: now.Add(-30 * time.Minute).Format(time.RFC3339Nano), Event: "binding.commit", Prefix: "2001:db8:1::101/128", DUID: "0003000102", Link: "lan", Start: now.Add(-30 * time.Minute).Unix(), ValidEnd: now.Add(23*time.Hour + 30*time.Minute).Unix()},
		{Timestamp: now.Format(time.RFC3339Nano), Event: "binding.release", Prefix: "2001:db8:1::100/128", DUID: "0003000101", Link: "lan"},
	}
	for _, r := range records {
		if err := al.append(r); err != nil {
			t.Fatal(err)
		}
	}

	if al.Count() != 4 {
		t.Errorf("Count() = %d, want 4", al.Count())
	}

	tests := []struct {
		name   string
		params QueryParams
		want   int
	}{
		{"all", QueryParams{}, 4},
		{"by prefix", QueryParams{Prefix: "2001:db8:1::100/128"}, 3},
		{"by DUID", QueryParams{DUID: "0003000102"}, 1},
		{"by event", QueryParams{Event: "binding.commit"}, 2},
		{"by time range", QueryParams{From: now.Add(-90 * time.Minute), To: now.Add(-15 * time.Minute)}, 2},
		{"unknown prefix", QueryParams{Prefix: "2001:db8:9::1/128"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := al.Query(tt.params)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("Query() = %d records, want %d", len(got), tt.want)
			}
		})
	}
}

func TestAuditPointInTimeQuery(t *testing.T) {
	al := newTestLog(t, nil)

	// 2001:db8:1::50 committed at 14:00 for an hour, released at 14:40,
	// then committed to another client at 14:50.
	at := func(h, m int) time.Time { return time.Date(2026, 2, 15, h, m, 0, 0, time.UTC) }
	prefix := "2001:db8:1::50/128"
	for _, r := range []Record{
		{Timestamp: at(14, 0).Format(time.RFC3339Nano), Event: "binding.commit", Prefix: prefix, DUID: "aa", Start: at(14, 0).Unix(), ValidEnd: at(15, 0).Unix()},
		{Timestamp: at(14, 40).Format(time.RFC3339Nano), Event: "binding.release", Prefix: prefix, DUID: "aa"},
		{Timestamp: at(14, 50).Format(time.RFC3339Nano), Event: "binding.commit", Prefix: prefix, DUID: "bb", Start: at(14, 50).Unix(), ValidEnd: at(15, 50).Unix()},
	} {
		if err := al.append(r); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		when time.Time
		want string
	}{
		{at(13, 59), ""},
		{at(14, 30), "aa"},
		{at(14, 45), ""},
		{at(15, 10), "bb"},
		{at(16, 0), ""},
	}
	for _, tt := range tests {
		results, err := al.Query(QueryParams{Prefix: prefix, At: tt.when})
		if err != nil {
			t.Fatal(err)
		}
		got := ""
		if len(results) > 0 {
			got = results[0].DUID
		}
		if got != tt.want || len(results) > 1 {
			t.Errorf("holder at %s = %q (%d records), want %q", tt.when.Format("15:04"), got, len(results), tt.want)
		}
	}
}

func TestAuditEventBusIntegration(t *testing.T) {
	bus := events.NewBus(100, testLogger())
	go bus.Start()
	defer bus.Stop()

	al := newTestLog(t, bus)
	al.Start()
	defer al.Stop()

	now := time.Now()
	bus.Publish(events.Event{
		Type:      events.EventBindingCommit,
		Timestamp: now,
		Binding: &events.BindingData{
			DUID:     "000300015254001234",
			IAType:   "na",
			IAID:     1,
			Prefix:   netip.MustParsePrefix("2001:db8:1::10/128"),
			State:    "committed",
			Link:     "lan",
			FQDN:     "host.example.com",
			Start:    now.Unix(),
			ValidEnd: now.Add(time.Hour).Unix(),
		},
	})

	var results []Record
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var err error
		results, err = al.Query(QueryParams{Prefix: "2001:db8:1::10/128"})
		if err != nil {
			t.Fatal(err)
		}
		if len(results) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(results) != 1 {
		t.Fatalf("records from event bus = %d, want 1", len(results))
	}
	if results[0].FQDN != "host.example.com" {
		t.Errorf("FQDN = %q, want host.example.com", results[0].FQDN)
	}
	if results[0].ServerID != "node-1" {
		t.Errorf("server ID = %q, want node-1", results[0].ServerID)
	}
}

func TestAuditIgnoresEventsWithoutBinding(t *testing.T) {
	al := newTestLog(t, nil)
	al.handleEvent(events.Event{Type: events.EventBindingExpire, Timestamp: time.Now()})
	if al.Count() != 0 {
		t.Errorf("Count() = %d, want 0", al.Count())
	}
}

func TestAuditLimit(t *testing.T) {
	al := newTestLog(t, nil)
	for i := 0; i < 20; i++ {
		al.append(Record{
			Timestamp: time.Now().Add(time.Duration(i) * time.Second).Format(time.RFC3339Nano),
			Event:     "binding.commit",
			Prefix:    "2001:db8:1::1/128",
		})
	}

	results, err := al.Query(QueryParams{Limit: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 5 {
		t.Fatalf("Query(limit 5) = %d records, want 5", len(results))
	}
	if results[0].ID < results[4].ID {
		t.Error("results are not newest first")
	}
}

func TestAuditPrune(t *testing.T) {
	al := newTestLog(t, nil)
	now := time.Now().UTC()
	for i, age := range []time.Duration{72 * time.Hour, 48 * time.Hour, time.Hour} {
		prefix := "2001:db8:1::1/128"
		if i == 0 {
			prefix = "2001:db8:1::2/128"
		}
		al.append(Record{
			Timestamp: now.Add(-age).Format(time.RFC3339Nano),
			Event:     "binding.commit",
			Prefix:    prefix,
		})
	}

	n, err := al.Prune(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("Prune() = %d, want 2", n)
	}
	if al.Count() != 1 {
		t.Errorf("Count() after prune = %d, want 1", al.Count())
	}
	if got, _ := al.Query(QueryParams{Prefix: "2001:db8:1::1/128"}); len(got) != 1 {
		t.Errorf("records for surviving prefix = %d, want 1", len(got))
	}
	if got, _ := al.Query(QueryParams{Prefix: "2001:db8:1::2/128"}); len(got) != 0 {
		t.Errorf("records for pruned prefix = %d, want 0", len(got))
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	err := WriteCSV(&buf, []Record{{
		ID:        7,
		Timestamp: "2026-02-15T14:00:00Z",
		Event:     "binding.commit",
		Prefix:    "2001:db8:100::/56",
		DUID:      "0003000101",
		IAType:    "pd",
		IAID:      3,
		Start:     1700000000,
	}})
	if err != nil {
		t.Fatal(err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("reading CSV back: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if len(rows[1]) != len(CSVHeaders) {
		t.Fatalf("columns = %d, want %d", len(rows[1]), len(CSVHeaders))
	}
	if rows[1][3] != "2001:db8:100::/56" || rows[1][6] != "3" || rows[1][12] != "1700000000" || rows[1][13] != "" {
		t.Errorf("row = %v", rows[1])
	}
}

func TestWriteCSVColumns(t *testing.T) {
	var buf bytes.Buffer
	records := []Record{{ID: 1, Prefix: "2001:db8:1::5/128", DUID: "0003000102", Link: "lan"}}
	if err := WriteCSV(&buf, records, "link", " prefix"); err != nil {
		t.Fatal(err)
	}
	want := "link,prefix\nlan,2001:db8:1::5/128\n"
	if buf.String() != want {
		t.Errorf("CSV = %q, want %q", buf.String(), want)
	}

	if err := WriteCSV(io.Discard, records, "mac"); err == nil {
		t.Error("unknown column accepted")
	}
}
