package syslog

import (
	"bytes"
	"compress/gzip"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/athena-dhcpd/athena-dhcp6d/internal/config"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/events"
)

// syslogOutput writes RFC 5424 framed lines to a UDP or TCP receiver,
// redialling once when a write fails.
type syslogOutput struct {
	cfg      config.SyslogConfig
	hostname string
	logger   *slog.Logger

	mu   sync.Mutex
	conn net.Conn
}

func newSyslogOutput(cfg config.SyslogConfig, hostname string, logger *slog.Logger) (*syslogOutput, error) {
	conn, err := net.DialTimeout(cfg.Protocol, cfg.Address, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connecting to syslog %s://%s: %w", cfg.Protocol, cfg.Address, err)
	}
	return &syslogOutput{cfg: cfg, hostname: hostname, logger: logger, conn: conn}, nil
}

func (o *syslogOutput) name() string { return "syslog" }

func (o *syslogOutput) send(evt events.Event, msg string) error {
	ts := evt.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z")
	line := []byte(fmt.Sprintf("<%d>1 %s %s %s - %s - %s\n",
		priority(o.cfg.Facility, evt.Type), ts, o.hostname, o.cfg.Tag, msgID(evt.Type), msg))

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.conn != nil {
		if _, err := o.conn.Write(line); err == nil {
			return nil
		}
		o.conn.Close()
		o.conn = nil
	}

	conn, err := net.DialTimeout(o.cfg.Protocol, o.cfg.Address, 3*time.Second)
	if err != nil {
		o.logger.Warn("syslog reconnect failed", "address", o.cfg.Address, "error", err)
		return err
	}
	o.conn = conn
	_, err = o.conn.Write(line)
	return err
}

func (o *syslogOutput) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conn != nil {
		o.conn.Close()
		o.conn = nil
	}
}

// msgID is the RFC 5424 MSGID for an event type.
func msgID(t events.EventType) string {
	return strings.ToUpper(strings.ReplaceAll(string(t), ".", "_"))
}

// httpOutput posts events to a generic JSON collector or a Splunk HEC endpoint.
type httpOutput struct {
	cfg      config.SyslogConfig
	hostname string
	client   *http.Client
	splunk   bool
}

func newHTTPOutput(cfg config.SyslogConfig, hostname string, logger *slog.Logger) *httpOutput {
	transport := &http.Transport{}
	if cfg.HTTPInsecure {
		logger.Warn("SIEM HTTP output skips TLS verification", "endpoint", cfg.HTTPEndpoint)
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return &httpOutput{
		cfg:      cfg,
		hostname: hostname,
		client: &http.Client{
			Timeout:   config.DurationOr(cfg.HTTPTimeout, 5*time.Second),
			Transport: transport,
		},
		splunk: strings.Contains(cfg.HTTPEndpoint, "/services/collector"),
	}
}

func (o *httpOutput) name() string { return "http" }

func (o *httpOutput) body(evt events.Event, msg string) ([]byte, error) {
	var payload any = msg
	if o.cfg.Format == FormatJSON {
		payload = json.RawMessage(msg)
	}

	if o.splunk {
		return json.Marshal(map[string]any{
			"time":       evt.Timestamp.Unix(),
			"sourcetype": "athena:dhcpv6",
			"source":     o.cfg.Tag,
			"host":       o.hostname,
			"event":      payload,
		})
	}
	if o.cfg.Format == FormatJSON {
		return []byte(msg), nil
	}
	return json.Marshal(map[string]string{
		"message":   msg,
		"timestamp": evt.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

func (o *httpOutput) send(evt events.Event, msg string) error {
	body, err := o.body(evt, msg)
	if err != nil {
		return fmt.Errorf("encoding HTTP body: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, o.cfg.HTTPEndpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.cfg.HTTPToken != "" {
		if o.splunk {
			req.Header.Set("Authorization", "Splunk "+o.cfg.HTTPToken)
		} else {
			req.Header.Set("Authorization", "Bearer "+o.cfg.HTTPToken)
		}
	}
	for k, v := range o.cfg.HTTPHeaders {
		req.Header.Set(k, v)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("collector returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func (o *httpOutput) close() {
	o.client.CloseIdleConnections()
}

// fileOutput appends one event per line and rotates into gzip backups
// (path.1.gz newest) once the file reaches FileMaxSizeMB.
type fileOutput struct {
	cfg    config.SyslogConfig
	logger *slog.Logger

	mu   sync.Mutex
	fh   *os.File
	size int64
}

func newFileOutput(cfg config.SyslogConfig, logger *slog.Logger) (*fileOutput, error) {
	dir := filepath.Dir(cfg.FilePath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating log directory %s: %w", dir, err)
	}
	fh, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("opening log file %s: %w", cfg.FilePath, err)
	}
	o := &fileOutput{cfg: cfg, logger: logger, fh: fh}
	if info, err := fh.Stat(); err == nil {
		o.size = info.Size()
	}
	return o, nil
}

func (o *fileOutput) name() string { return "file" }

func (o *fileOutput) send(_ events.Event, msg string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.fh == nil {
		return fmt.Errorf("log file %s is closed", o.cfg.FilePath)
	}
	n, err := o.fh.WriteString(msg + "\n")
	o.size += int64(n)
	if err != nil {
		return err
	}

	if maxBytes := int64(o.cfg.FileMaxSizeMB) * 1024 * 1024; maxBytes > 0 && o.size >= maxBytes {
		o.rotate()
	}
	return nil
}

func (o *fileOutput) rotate() {
	o.fh.Close()
	o.fh = nil

	path := o.cfg.FilePath
	os.Remove(fmt.Sprintf("%s.%d.gz", path, o.cfg.FileMaxBackups))
	for i := o.cfg.FileMaxBackups - 1; i >= 1; i-- {
		os.Rename(fmt.Sprintf("%s.%d.gz", path, i), fmt.Sprintf("%s.%d.gz", path, i+1))
	}
	if err := compressFile(path, path+".1.gz"); err != nil {
		o.logger.Warn("failed to compress rotated log file", "path", path, "error", err)
	}

	fh, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0640)
	if err != nil {
		o.logger.Warn("failed to reopen log file after rotation", "path", path, "error", err)
		return
	}
	o.fh = fh
	o.size = 0
}

func (o *fileOutput) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fh != nil {
		o.fh.Close()
		o.fh = nil
	}
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		return err
	}
	return gz.Close()
}
