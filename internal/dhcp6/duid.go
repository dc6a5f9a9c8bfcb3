package dhcp6

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/athena-dhcpd/athena-dhcp6d/internal/config"
	"github.com/athena-dhcpd/athena-dhcp6d/pkg/dhcpv6"
)

// LoadServerDUID returns the configured server DUID, or the one saved at
// path, generating and saving a new one of duidType (llt, ll or uuid) when
// neither exists.
func LoadServerDUID(configured, path, duidType string, ifaces []string) ([]byte, error) {
	if configured != "" {
		return config.ParseHex(configured)
	}

	if data, err := os.ReadFile(path); err == nil {
		d, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(d) < 2 {
			return nil, fmt.Errorf("invalid server DUID in %s", path)
		}
		return d, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading server DUID: %w", err)
	}

	d, err := NewServerDUID(duidType, ifaces, time.Now())
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(d)+"\n"), 0644); err != nil {
		return nil, fmt.Errorf("saving server DUID: %w", err)
	}
	return d, nil
}

// NewServerDUID builds a DUID of the given type. Link-layer types use the
// hardware address of the first listed interface that has one, else of any
// non-loopback interface.
func NewServerDUID(duidType string, ifaces []string, now time.Time) ([]byte, error) {
	switch duidType {
	case "uuid":
		return dhcpv6.NewDUIDUUID(uuid.New()), nil
	case "ll", "llt", "":
		hw, err := hardwareAddr(ifaces)
		if err != nil {
			return nil, err
		}
		if duidType == "ll" {
			return dhcpv6.NewDUIDLL(hw), nil
		}
		return dhcpv6.NewDUIDLLT(hw, now), nil
	default:
		return nil, fmt.Errorf("unknown DUID type %q", duidType)
	}
}

func hardwareAddr(ifaces []string) (net.HardwareAddr, error) {
	for _, name := range ifaces {
		if ifi, err := net.InterfaceByName(name); err == nil && len(ifi.HardwareAddr) > 0 {
			return ifi.HardwareAddr, nil
		}
	}
	all, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}
	for _, ifi := range all {
		if ifi.Flags&net.FlagLoopback == 0 && len(ifi.HardwareAddr) > 0 {
			return ifi.HardwareAddr, nil
		}
	}
	return nil, errors.New("no interface with a hardware address for the server DUID")
}
