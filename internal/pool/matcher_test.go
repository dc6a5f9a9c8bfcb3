package pool

import (
	"net/netip"
	"testing"

	"github.com/athena-dhcpd/athena-dhcp6d/internal/filter"
	"github.com/athena-dhcpd/athena-dhcp6d/pkg/dhcpv6"
)

type fakeSource map[dhcpv6.OptionCode][]byte

func (f fakeSource) Option(code dhcpv6.OptionCode) ([]byte, bool) {
	b, ok := f[code]
	return b, ok
}

func newFilteredPool(t *testing.T, name, start, end, interfaceID string) *Pool {
	t.Helper()
	p, err := NewAddressPool(name, dhcpv6.IATypeNA, netip.MustParseAddr(start), netip.MustParseAddr(end))
	if err != nil {
		t.Fatalf("NewAddressPool: %v", err)
	}
	if interfaceID != "" {
		e, err := filter.NewExpression(dhcpv6.OptionInterfaceID, "equals", interfaceID)
		if err != nil {
			t.Fatalf("NewExpression: %v", err)
		}
		p.Filter = &filter.Filter{Name: name, Expressions: []*filter.Expression{e}}
	}
	return p
}

func TestOrderFilteredFirst(t *testing.T) {
	open1 := newFilteredPool(t, "open1", "2001:db8::1", "2001:db8::10", "")
	voip := newFilteredPool(t, "voip", "2001:db8::11", "2001:db8::20", "port1")
	open2 := newFilteredPool(t, "open2", "2001:db8::21", "2001:db8::30", "")
	iot := newFilteredPool(t, "iot", "2001:db8::31", "2001:db8::40", "port2")

	got := Order([]*Pool{open1, voip, open2, iot})
	want := []string{"voip", "iot", "open1", "open2"}
	for i, p := range got {
		if p.Name != want[i] {
			t.Errorf("Order()[%d] = %s, want %s", i, p.Name, want[i])
		}
	}
}

func TestEligible(t *testing.T) {
	open := newFilteredPool(t, "open", "2001:db8::1", "2001:db8::10", "")
	voip := newFilteredPool(t, "voip", "2001:db8::11", "2001:db8::20", "port1")
	pools := Order([]*Pool{open, voip})

	got := Eligible(pools, fakeSource{dhcpv6.OptionInterfaceID: []byte("port1")})
	if len(got) != 2 || got[0] != voip {
		t.Errorf("matching request: got %v", got)
	}
	got = Eligible(pools, fakeSource{})
	if len(got) != 1 || got[0] != open {
		t.Errorf("plain request: got %v", got)
	}
}

func TestFind(t *testing.T) {
	a := newFilteredPool(t, "a", "2001:db8::1", "2001:db8::10", "")
	b := newFilteredPool(t, "b", "2001:db8::11", "2001:db8::20", "")
	if got := Find([]*Pool{a, b}, addr("2001:db8::15")); got != b {
		t.Errorf("Find = %v, want b", got)
	}
	if got := Find([]*Pool{a, b}, addr("2001:db8::99")); got != nil {
		t.Errorf("Find = %v, want nil", got)
	}
}
