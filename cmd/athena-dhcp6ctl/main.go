// athena-dhcp6ctl inspects and maintains athena-dhcp6d state on disk.
// Usage:
//
//	athena-dhcp6ctl [-config path] bindings [-json]
//	athena-dhcp6ctl [-config path] audit [-prefix p] [-duid hex] [-at time] [-from time] [-to time] [-event type] [-limit n] [-columns c1,c2]
//	athena-dhcp6ctl [-config path] purge-declined
//
// The binding store is locked while the daemon runs; stop it before purging.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/athena-dhcpd/athena-dhcp6d/internal/audit"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/config"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/lease"
)

func main() {
	configPath := flag.String("config", "/etc/athena-dhcp6d/config.toml", "path to configuration file")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-config path] bindings|audit|purge-declined [flags]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()[1:]
	switch flag.Arg(0) {
	case "bindings":
		err = bindingsCmd(cfg, args, os.Stdout)
	case "audit":
		err = auditCmd(cfg, args, os.Stdout)
	case "purge-declined":
		err = purgeCmd(cfg, os.Stdout)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func bindingsCmd(cfg *config.Config, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("bindings", flag.ExitOnError)
	asJSON := fs.Bool("json", !term.IsTerminal(int(os.Stdout.Fd())), "print JSON instead of a table")
	fs.Parse(args)

	store, err := lease.OpenStore(cfg.Server.LeaseBackend, cfg.Server.LeaseDB)
	if err != nil {
		return err
	}
	defer store.Close()

	var ias []*lease.IA
	if err := store.ForEach(func(ia *lease.IA) bool {
		ias = append(ias, ia)
		return true
	}); err != nil {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(ias)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PREFIX\tSTATE\tLINK\tPOOL\tDUID\tIA\tVALID UNTIL\tFQDN")
	for _, ia := range ias {
		for _, o := range ia.Objects {
			pool := o.Pool
			if ia.Static {
				pool = "(static)"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s/%d\t%s\t%s\n",
				o.Prefix, o.State, ia.Link, pool, ia.Key.DUID, ia.Key.Type, ia.Key.IAID,
				o.ValidEnd.Local().Format(time.DateTime), ia.FQDN)
		}
	}
	return tw.Flush()
}

func auditCmd(cfg *config.Config, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	prefix := fs.String("prefix", "", "address or prefix to look up")
	duid := fs.String("duid", "", "client DUID (hex)")
	at := fs.String("at", "", "show who held -prefix at this RFC 3339 time")
	from := fs.String("from", "", "earliest record time (RFC 3339)")
	to := fs.String("to", "", "latest record time (RFC 3339)")
	event := fs.String("event", "", "event type, e.g. binding.commit")
	limit := fs.Int("limit", 0, "maximum number of records")
	cols := fs.String("columns", "", "comma-separated CSV columns (default all)")
	fs.Parse(args)

	params := audit.QueryParams{Event: *event, Limit: *limit}
	if *prefix != "" {
		p, err := parsePrefix(*prefix)
		if err != nil {
			return err
		}
		params.Prefix = p.String()
	}
	if *duid != "" {
		b, err := config.ParseHex(*duid)
		if err != nil {
			return fmt.Errorf("invalid DUID %q: %w", *duid, err)
		}
		params.DUID = fmt.Sprintf("%x", b)
	}
	var err error
	if params.At, err = parseTime(*at); err != nil {
		return err
	}
	if params.From, err = parseTime(*from); err != nil {
		return err
	}
	if params.To, err = parseTime(*to); err != nil {
		return err
	}
	if !params.At.IsZero() && params.Prefix == "" {
		return fmt.Errorf("-at requires -prefix")
	}

	db, err := audit.Open(cfg.Audit.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	al, err := audit.NewLog(db, nil, "", 0, logger)
	if err != nil {
		return err
	}

	records, err := al.Query(params)
	if err != nil {
		return err
	}
	var names []string
	if *cols != "" {
		names = strings.Split(*cols, ",")
	}
	return audit.WriteCSV(w, records, names...)
}

func purgeCmd(cfg *config.Config, w io.Writer) error {
	store, err := lease.OpenStore(cfg.Server.LeaseBackend, cfg.Server.LeaseDB)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := lease.PurgeDeclined(store)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "purged %d declined objects\n", n)
	return nil
}

// parsePrefix accepts a bare address as a /128.
func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid prefix %q: %w", s, err)
		}
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return netip.PrefixFrom(a, 128), nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: %w", s, err)
	}
	return t, nil
}
