// Package radius provides per-link RADIUS authorization of DHCPv6 clients.
// The client DUID is sent as User-Name, relay Interface-ID as NAS-Port-Id and
// relay Remote-ID as Called-Station-Id.
package radius

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2869"

	"github.com/athena-dhcpd/athena-dhcp6d/internal/config"
	"github.com/athena-dhcpd/athena-dhcp6d/internal/metrics"
)

// maxCached bounds the decision cache; expired entries are swept when it
// grows past this.
const maxCached = 4096

// Request carries the client attributes sent in an Access-Request.
type Request struct {
	DUID        []byte
	InterfaceID string // innermost relay Interface-ID
	RemoteID    string // innermost relay Remote-ID
}

func (r Request) key(link string) string {
	return link + "\x00" + string(r.DUID) + "\x00" + r.InterfaceID + "\x00" + r.RemoteID
}

// AuthResult is the outcome of one authorization.
type AuthResult struct {
	Accepted       bool
	Code           string // RADIUS code name, "no_radius" or "error"
	ReplyMessage   string
	SessionTimeout time.Duration
	Error          string
	Latency        time.Duration
	Cached         bool
}

type linkConfig struct {
	cfg      config.RadiusConfig
	timeout  time.Duration
	cacheTTL time.Duration
}

type decision struct {
	res     AuthResult
	expires time.Time
}

// Client authorizes DHCPv6 clients against per-link RADIUS servers and
// remembers recent decisions.
type Client struct {
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	links map[string]linkConfig

	cacheMu sync.Mutex
	cache   map[string]decision
}

// NewClient creates a RADIUS client with no links configured.
func NewClient(logger *slog.Logger) *Client {
	return &Client{
		logger: logger,
		now:    time.Now,
		links:  make(map[string]linkConfig),
		cache:  make(map[string]decision),
	}
}

// SetLink configures RADIUS for a link, dropping its cached decisions.
func (c *Client) SetLink(link string, cfg config.RadiusConfig) {
	lc := linkConfig{cfg: cfg, timeout: config.DurationOr(cfg.Timeout, config.DefaultRadiusTimeout)}
	if d, err := time.ParseDuration(cfg.CacheTTL); err == nil && d > 0 {
		lc.cacheTTL = d
	}
	c.mu.Lock()
	c.links[link] = lc
	c.mu.Unlock()

	c.cacheMu.Lock()
	clear(c.cache)
	c.cacheMu.Unlock()
}

// Enabled reports whether any link has RADIUS enabled.
func (c *Client) Enabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, lc := range c.links {
		if lc.cfg.Enabled {
			return true
		}
	}
	return false
}

// Authorize decides whether a client on the named link may be served.
// Links without RADIUS accept every client. Accept and Reject answers are
// reused until the link's cache TTL (or an Accept's Session-Timeout) runs
// out; errors are not cached.
func (c *Client) Authorize(ctx context.Context, link string, req Request) AuthResult {
	c.mu.RLock()
	lc, ok := c.links[link]
	c.mu.RUnlock()
	if !ok || !lc.cfg.Enabled {
		return AuthResult{Accepted: true, Code: "no_radius"}
	}

	key := req.key(link)
	if res, ok := c.cached(key); ok {
		metrics.RadiusRequests.WithLabelValues(link, "cached").Inc()
		return res
	}

	res := c.exchange(ctx, lc, req)
	label := "reject"
	switch {
	case res.Error != "":
		label = "error"
	case res.Accepted:
		label = "accept"
	}
	metrics.RadiusRequests.WithLabelValues(link, label).Inc()

	if res.Error == "" && lc.cacheTTL > 0 {
		ttl := lc.cacheTTL
		if res.SessionTimeout > 0 && res.SessionTimeout < ttl {
			ttl = res.SessionTimeout
		}
		c.store(key, res, ttl)
	}
	return res
}

func (c *Client) cached(key string) (AuthResult, bool) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	d, ok := c.cache[key]
	if !ok {
		return AuthResult{}, false
	}
	if !c.now().Before(d.expires) {
		delete(c.cache, key)
		return AuthResult{}, false
	}
	res := d.res
	res.Cached = true
	return res, true
}

func (c *Client) store(key string, res AuthResult, ttl time.Duration) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	now := c.now()
	if len(c.cache) >= maxCached {
		for k, d := range c.cache {
			if !now.Before(d.expires) {
				delete(c.cache, k)
			}
		}
	}
	c.cache[key] = decision{res: res, expires: now.Add(ttl)}
}

func (c *Client) exchange(ctx context.Context, lc linkConfig, req Request) AuthResult {
	user := hex.EncodeToString(req.DUID)

	packet := radius.New(radius.CodeAccessRequest, []byte(lc.cfg.Secret))
	rfc2865.UserName_SetString(packet, user)
	rfc2865.UserPassword_SetString(packet, user)
	if lc.cfg.NASIdentifier != "" {
		rfc2865.NASIdentifier_SetString(packet, lc.cfg.NASIdentifier)
	}
	if req.InterfaceID != "" {
		rfc2869.NASPortID_SetString(packet, req.InterfaceID)
	}
	if req.RemoteID != "" {
		rfc2865.CalledStationID_SetString(packet, req.RemoteID)
	}

	ctx, cancel := context.WithTimeout(ctx, lc.timeout)
	defer cancel()
	start := time.Now()
	resp, err := radius.Exchange(ctx, packet, lc.cfg.Address)
	latency := time.Since(start)

	if err != nil {
		c.logger.Warn("RADIUS authorization failed",
			"server", lc.cfg.Address,
			"duid", user,
			"error", err)
		return AuthResult{Code: "error", Error: err.Error(), Latency: latency}
	}

	res := AuthResult{
		Accepted:     resp.Code == radius.CodeAccessAccept,
		Code:         resp.Code.String(),
		ReplyMessage: rfc2865.ReplyMessage_GetString(resp),
		Latency:      latency,
	}
	if st := rfc2865.SessionTimeout_Get(resp); st > 0 {
		res.SessionTimeout = time.Duration(st) * time.Second
	}
	c.logger.Debug("RADIUS authorization result",
		"server", lc.cfg.Address,
		"duid", user,
		"code", res.Code,
		"latency", latency.String())
	return res
}
