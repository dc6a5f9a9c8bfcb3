package lease

import (
	"errors"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/athena-dhcpd/athena-dhcp6d/pkg/dhcpv6"
)

var backends = []string{"bolt", "sqlite"}

func newTestStore(t *testing.T, backend string) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := OpenStore(backend, path)
	if err != nil {
		t.Fatalf("OpenStore(%s) error: %v", backend, err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func forEachBackend(t *testing.T, fn func(t *testing.T, store Store)) {
	for _, b := range backends {
		t.Run(b, func(t *testing.T) {
			fn(t, newTestStore(t, b))
		})
	}
}

func testIA(duid string, iaid uint32, prefixes ...string) *IA {
	now := time.Unix(1700000000, 0).UTC()
	ia := &IA{
		Key:     Key{DUID: duid, Type: dhcpv6.IATypeNA, IAID: iaid},
		Link:    "lan",
		Updated: now,
	}
	for _, p := range prefixes {
		ia.Objects = append(ia.Objects, &Object{
			Prefix:       netip.MustParsePrefix(p),
			State:        dhcpv6.BindingCommitted,
			Pool:         "lan/na0",
			Start:        now,
			PreferredEnd: now.Add(time.Hour),
			ValidEnd:     now.Add(2 * time.Hour),
		})
	}
	return ia
}

func TestStorePutAndGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ia := testIA("000100011234", 7, "2001:db8::10/128")
		ia.FQDN = "host.example.com"
		if err := store.Put(ia); err != nil {
			t.Fatalf("Put error: %v", err)
		}

		got, err := store.Get(ia.Key)
		if err != nil {
			t.Fatalf("Get error: %v", err)
		}
		if got.Link != "lan" || got.FQDN != "host.example.com" {
			t.Errorf("Get = link %q fqdn %q, want lan host.example.com", got.Link, got.FQDN)
		}
		if len(got.Objects) != 1 {
			t.Fatalf("len(Objects) = %d, want 1", len(got.Objects))
		}
		o := got.Objects[0]
		if o.Prefix != netip.MustParsePrefix("2001:db8::10/128") {
			t.Errorf("Prefix = %s, want 2001:db8::10/128", o.Prefix)
		}
		if o.State != dhcpv6.BindingCommitted {
			t.Errorf("State = %s, want committed", o.State)
		}
		if !o.ValidEnd.Equal(ia.Objects[0].ValidEnd) {
			t.Errorf("ValidEnd = %v, want %v", o.ValidEnd, ia.Objects[0].ValidEnd)
		}

		n, err := store.Count()
		if err != nil || n != 1 {
			t.Errorf("Count() = %d, %v, want 1", n, err)
		}
	})
}

func TestStoreGetNotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		_, err := store.Get(Key{DUID: "00", Type: dhcpv6.IATypeNA, IAID: 1})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Get error = %v, want ErrNotFound", err)
		}
		_, err = store.GetByPrefix(netip.MustParsePrefix("2001:db8::1/128"))
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("GetByPrefix error = %v, want ErrNotFound", err)
		}
	})
}

func TestStoreReindexOnPut(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ia := testIA("0003000100aa", 1, "2001:db8::10/128")
		if err := store.Put(ia); err != nil {
			t.Fatalf("Put error: %v", err)
		}

		ia.Objects[0].Prefix = netip.MustParsePrefix("2001:db8::20/128")
		if err := store.Put(ia); err != nil {
			t.Fatalf("Put error: %v", err)
		}

		if _, err := store.GetByPrefix(netip.MustParsePrefix("2001:db8::10/128")); !errors.Is(err, ErrNotFound) {
			t.Errorf("old prefix still indexed: %v", err)
		}
		got, err := store.GetByPrefix(netip.MustParsePrefix("2001:db8::20/128"))
		if err != nil {
			t.Fatalf("GetByPrefix error: %v", err)
		}
		if got.Key != ia.Key {
			t.Errorf("GetByPrefix key = %v, want %v", got.Key, ia.Key)
		}
	})
}

func TestStoreDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ia := testIA("0003000100aa", 1, "2001:db8::10/128")
		if err := store.Put(ia); err != nil {
			t.Fatalf("Put error: %v", err)
		}
		if err := store.Delete(ia.Key); err != nil {
			t.Fatalf("Delete error: %v", err)
		}
		if _, err := store.Get(ia.Key); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get after Delete error = %v, want ErrNotFound", err)
		}
		if _, err := store.GetByPrefix(ia.Objects[0].Prefix); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetByPrefix after Delete error = %v, want ErrNotFound", err)
		}
		if err := store.Delete(ia.Key); err != nil {
			t.Errorf("second Delete error = %v, want nil", err)
		}
	})
}

func TestStoreIndexOwnership(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		unit := netip.MustParsePrefix("2001:db8::100/128")
		old := testIA("01", 1, unit.String())
		old.Objects[0].State = dhcpv6.BindingReleased
		if err := store.Put(old); err != nil {
			t.Fatalf("Put released error: %v", err)
		}
		if _, err := store.GetByPrefix(unit); !errors.Is(err, ErrNotFound) {
			t.Errorf("released object indexed: %v", err)
		}

		cur := testIA("02", 1, unit.String())
		if err := store.Put(cur); err != nil {
			t.Fatalf("Put committed error: %v", err)
		}
		if err := store.Put(old); err != nil {
			t.Fatalf("re-Put released error: %v", err)
		}
		if err := store.Delete(old.Key); err != nil {
			t.Fatalf("Delete error: %v", err)
		}

		got, err := store.GetByPrefix(unit)
		if err != nil {
			t.Fatalf("GetByPrefix error: %v", err)
		}
		if got.Key != cur.Key {
			t.Errorf("GetByPrefix key = %v, want %v", got.Key, cur.Key)
		}
		in, err := store.InRange(unit.Addr(), unit.Addr())
		if err != nil || len(in) != 1 {
			t.Errorf("InRange = %v, %v, want [%s]", in, err, unit)
		}
	})
}

func TestStoreInRange(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		store.Put(testIA("01", 1, "2001:db8::5/128"))
		store.Put(testIA("02", 1, "2001:db8::100/128", "2001:db8::101/128"))
		store.Put(testIA("03", 1, "2001:db8::1:0/128"))

		got, err := store.InRange(netip.MustParseAddr("2001:db8::10"), netip.MustParseAddr("2001:db8::ffff"))
		if err != nil {
			t.Fatalf("InRange error: %v", err)
		}
		want := []string{"2001:db8::100/128", "2001:db8::101/128"}
		if len(got) != len(want) {
			t.Fatalf("InRange = %v, want %v", got, want)
		}
		for i := range want {
			if got[i].String() != want[i] {
				t.Errorf("InRange[%d] = %s, want %s", i, got[i], want[i])
			}
		}
	})
}

func TestStoreForEach(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		for i := uint32(1); i <= 3; i++ {
			if err := store.Put(testIA("0a", i)); err != nil {
				t.Fatalf("Put error: %v", err)
			}
		}

		count := 0
		store.ForEach(func(*IA) bool {
			count++
			return true
		})
		if count != 3 {
			t.Errorf("ForEach visited %d, want 3", count)
		}

		count = 0
		store.ForEach(func(*IA) bool {
			count++
			return false
		})
		if count != 1 {
			t.Errorf("ForEach with early stop visited %d, want 1", count)
		}
	})
}

func TestStorePersistence(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "persist.db")
			store, err := OpenStore(backend, path)
			if err != nil {
				t.Fatalf("OpenStore error: %v", err)
			}
			ia := testIA("000100011234", 9, "2001:db8:100::/56")
			ia.Key.Type = dhcpv6.IATypePD
			if err := store.Put(ia); err != nil {
				t.Fatalf("Put error: %v", err)
			}
			store.Close()

			store, err = OpenStore(backend, path)
			if err != nil {
				t.Fatalf("reopen error: %v", err)
			}
			defer store.Close()

			got, err := store.GetByPrefix(netip.MustParsePrefix("2001:db8:100::/56"))
			if err != nil {
				t.Fatalf("GetByPrefix after reopen error: %v", err)
			}
			if got.Key != ia.Key {
				t.Errorf("key = %v, want %v", got.Key, ia.Key)
			}
		})
	}
}

func TestOpenStoreUnknownBackend(t *testing.T) {
	if _, err := OpenStore("mysql", filepath.Join(t.TempDir(), "x.db")); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestKeyRoundTrip(t *testing.T) {
	k := NewKey([]byte{0, 1, 0, 1, 0xab}, dhcpv6.IATypePD, 42)
	if k.String() != "00010001ab/pd/42" {
		t.Errorf("String() = %q, want 00010001ab/pd/42", k.String())
	}
	got, err := ParseKey(k.String())
	if err != nil {
		t.Fatalf("ParseKey error: %v", err)
	}
	if got != k {
		t.Errorf("ParseKey = %v, want %v", got, k)
	}
	for _, bad := range []string{"", "aa/na", "aa/xx/1", "aa/na/-1"} {
		if _, err := ParseKey(bad); err == nil {
			t.Errorf("ParseKey(%q) expected error", bad)
		}
	}
}

func TestObjectLifetimes(t *testing.T) {
	now := time.Unix(1000, 0)
	o := &Object{PreferredEnd: now.Add(30 * time.Second), ValidEnd: now.Add(90 * time.Second)}
	p, v := o.Lifetimes(now)
	if p != 30 || v != 90 {
		t.Errorf("Lifetimes = %d, %d, want 30, 90", p, v)
	}
	if o.Expired(now) {
		t.Error("Expired() = true before valid end")
	}
	if !o.Expired(now.Add(90 * time.Second)) {
		t.Error("Expired() = false at valid end")
	}
	p, v = o.Lifetimes(now.Add(time.Minute))
	if p != 0 || v != 30 {
		t.Errorf("Lifetimes after preferred end = %d, %d, want 0, 30", p, v)
	}
}
