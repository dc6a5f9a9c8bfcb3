package lease

import (
	"errors"
	"testing"

	"github.com/athena-dhcpd/athena-dhcp6d/pkg/dhcpv6"
)

func TestPurgeDeclined(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		mixed := testIA("0003000100aa", 1, "2001:db8::10/128", "2001:db8::11/128")
		mixed.Objects[1].State = dhcpv6.BindingDeclined
		onlyDeclined := testIA("0003000100bb", 1, "2001:db8::12/128")
		onlyDeclined.Objects[0].State = dhcpv6.BindingDeclined
		clean := testIA("0003000100cc", 1, "2001:db8::13/128")
		for _, ia := range []*IA{mixed, onlyDeclined, clean} {
			if err := store.Put(ia); err != nil {
				t.Fatalf("Put error: %v", err)
			}
		}

		n, err := PurgeDeclined(store)
		if err != nil {
			t.Fatalf("PurgeDeclined error: %v", err)
		}
		if n != 2 {
			t.Errorf("PurgeDeclined() = %d, want 2", n)
		}

		got, err := store.Get(mixed.Key)
		if err != nil {
			t.Fatalf("Get error: %v", err)
		}
		if len(got.Objects) != 1 || got.Objects[0].State != dhcpv6.BindingCommitted {
			t.Errorf("mixed IA objects = %+v, want the committed one only", got.Objects)
		}
		if _, err := store.GetByPrefix(mixed.Objects[1].Prefix); !errors.Is(err, ErrNotFound) {
			t.Errorf("declined prefix still indexed: %v", err)
		}
		if _, err := store.Get(onlyDeclined.Key); !errors.Is(err, ErrNotFound) {
			t.Errorf("fully declined IA error = %v, want ErrNotFound", err)
		}
		if _, err := store.Get(clean.Key); err != nil {
			t.Errorf("clean IA error = %v", err)
		}

		if n, _ := PurgeDeclined(store); n != 0 {
			t.Errorf("second PurgeDeclined() = %d, want 0", n)
		}
	})
}
