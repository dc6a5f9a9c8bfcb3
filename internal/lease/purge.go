package lease

import (
	"fmt"

	"github.com/athena-dhcpd/athena-dhcp6d/pkg/dhcpv6"
)

// PurgeDeclined removes declined objects from every stored IA so their units
// return to the pools on the next Reconcile. IAs left empty are deleted.
// It returns the number of objects removed.
func PurgeDeclined(s Store) (int, error) {
	var touched []*IA
	err := s.ForEach(func(ia *IA) bool {
		for _, o := range ia.Objects {
			if o.State == dhcpv6.BindingDeclined {
				touched = append(touched, ia)
				break
			}
		}
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("scanning bindings: %w", err)
	}

	n := 0
	for _, ia := range touched {
		kept := ia.Objects[:0]
		for _, o := range ia.Objects {
			if o.State == dhcpv6.BindingDeclined {
				n++
				continue
			}
			kept = append(kept, o)
		}
		ia.Objects = kept

		if len(ia.Objects) == 0 {
			err = s.Delete(ia.Key)
		} else {
			err = s.Put(ia)
		}
		if err != nil {
			return n, fmt.Errorf("purging %s: %w", ia.Key, err)
		}
	}
	return n, nil
}
