package devices

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/hashicorp/mdns"

	"popcast.app/popcast/dispatch"
)

func dev(id, uid, name string) Device {
	return Device{ID: id, UniqueID: uid, Name: name, Capabilities: CapabilityVideoOut | CapabilityDefaultReceiver}
}

func names(list []Device) []string {
	out := make([]string, len(list))
	for i, d := range list {
		out[i] = d.Name
	}
	return out
}

func TestRegistryKeepsFirstSeenOrderWithoutDuplicates(t *testing.T) {
	r := NewRegistry(nil)

	a := dev("a", "1", "Living Room")
	b := dev("b", "2", "Bedroom")
	c := dev("c", "3", "Kitchen")

	r.DeviceAppeared(a)
	r.DeviceAppeared(b)
	r.DeviceAppeared(a)
	r.DeviceAppeared(c)
	r.DeviceAppeared(b)

	got := names(r.Devices())
	want := []string{"Living Room", "Bedroom", "Kitchen"}
	if len(got) != len(want) {
		t.Fatalf("Devices() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Devices() = %v, want %v", got, want)
		}
	}
}

func TestRegistrySequences(t *testing.T) {
	a := dev("a", "1", "A")
	b := dev("b", "2", "B")
	c := dev("c", "3", "C")
	// same primary id, different unique id: a different receiver
	a2 := dev("a", "9", "A2")

	tests := []struct {
		name  string
		ops   func(r *Registry)
		want  []string
		kinds []ChangeKind
	}{
		{
			name: "vanish of unknown device is a no-op",
			ops: func(r *Registry) {
				r.DeviceAppeared(a)
				r.DeviceVanished(b)
			},
			want:  []string{"A"},
			kinds: []ChangeKind{Insert},
		},
		{
			name: "update of unknown device is a no-op",
			ops: func(r *Registry) {
				r.DeviceAppeared(a)
				r.DeviceUpdated(Device{ID: "x", UniqueID: "y", Name: "X"})
			},
			want:  []string{"A"},
			kinds: []ChangeKind{Insert},
		},
		{
			name: "update replaces in place",
			ops: func(r *Registry) {
				r.DeviceAppeared(a)
				r.DeviceAppeared(b)
				r.DeviceAppeared(c)
				r.DeviceUpdated(Device{ID: "b", UniqueID: "2", Name: "B renamed"})
			},
			want:  []string{"A", "B renamed", "C"},
			kinds: []ChangeKind{Insert, Insert, Insert, Reload},
		},
		{
			name: "vanish then reappear goes to the end",
			ops: func(r *Registry) {
				r.DeviceAppeared(a)
				r.DeviceAppeared(b)
				r.DeviceVanished(a)
				r.DeviceAppeared(a)
			},
			want:  []string{"B", "A"},
			kinds: []ChangeKind{Insert, Insert, Delete, Insert},
		},
		{
			name: "equality needs both identifiers",
			ops: func(r *Registry) {
				r.DeviceAppeared(a)
				r.DeviceAppeared(a2)
				r.DeviceVanished(a2)
			},
			want:  []string{"A"},
			kinds: []ChangeKind{Insert, Insert, Delete},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var kinds []ChangeKind
			r := NewRegistry(func(list []Device, change Change) {
				kinds = append(kinds, change.Kind)
			})
			tc.ops(r)

			got := names(r.Devices())
			if len(got) != len(tc.want) {
				t.Fatalf("Devices() = %v, want %v", got, tc.want)
			}
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Fatalf("Devices() = %v, want %v", got, tc.want)
				}
			}

			if len(kinds) != len(tc.kinds) {
				t.Fatalf("changes = %v, want %v", kinds, tc.kinds)
			}
			for i := range tc.kinds {
				if kinds[i] != tc.kinds[i] {
					t.Fatalf("changes = %v, want %v", kinds, tc.kinds)
				}
			}
		})
	}
}

func TestRegistryObserverGetsIndexes(t *testing.T) {
	var changes []Change
	r := NewRegistry(func(list []Device, change Change) {
		changes = append(changes, change)
		// observers may read back into the registry
		_ = r.Devices()
	})

	r.DeviceAppeared(dev("a", "1", "A"))
	r.DeviceAppeared(dev("b", "2", "B"))
	r.DeviceVanished(dev("a", "1", "A"))

	if len(changes) != 3 {
		t.Fatalf("got %d changes, want 3", len(changes))
	}
	if changes[1].Index != 1 || changes[1].Kind != Insert {
		t.Fatalf("second change = %+v, want insert at 1", changes[1])
	}
	if changes[2].Index != 0 || changes[2].Kind != Delete || changes[2].Device.Name != "A" {
		t.Fatalf("third change = %+v, want delete of A at 0", changes[2])
	}
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.Lookup("anything"); !errors.Is(err, ErrNoDeviceAvailable) {
		t.Fatalf("Lookup() on empty registry err = %v, want ErrNoDeviceAvailable", err)
	}

	r.DeviceAppeared(dev("Chromecast-abc", "abc", "Living Room"))
	r.DeviceAppeared(dev("Chromecast-def", "def", "Bedroom"))

	for _, target := range []string{"Chromecast-def", "def", "Bedroom"} {
		d, err := r.Lookup(target)
		if err != nil {
			t.Fatalf("Lookup(%q) err = %v", target, err)
		}
		if d.Name != "Bedroom" {
			t.Fatalf("Lookup(%q) = %q, want Bedroom", target, d.Name)
		}
	}

	if _, err := r.Lookup("Garage"); !errors.Is(err, ErrDeviceNotAvailable) {
		t.Fatalf("Lookup(Garage) err = %v, want ErrDeviceNotAvailable", err)
	}

	if _, err := r.DevicePicker(3); !errors.Is(err, ErrDeviceNotAvailable) {
		t.Fatalf("DevicePicker(3) err = %v, want ErrDeviceNotAvailable", err)
	}
	d, err := r.DevicePicker(1)
	if err != nil || d.Name != "Living Room" {
		t.Fatalf("DevicePicker(1) = %q, %v", d.Name, err)
	}
}

func TestDecodeTXT(t *testing.T) {
	rec, err := decodeTXT([]string{
		"id=4f7c2f0e",
		"fn=Living Room TV",
		"md=Chromecast Ultra",
		"ca=4101",
		"garbage",
	})
	if err != nil {
		t.Fatalf("decodeTXT() err = %v", err)
	}
	if rec.ID != "4f7c2f0e" || rec.FriendlyName != "Living Room TV" || rec.Model != "Chromecast Ultra" {
		t.Fatalf("decodeTXT() = %+v", rec)
	}
	if rec.Caps != 4101 {
		t.Fatalf("decodeTXT() caps = %d, want 4101", rec.Caps)
	}

	if _, err := decodeTXT([]string{"ca=notanumber"}); err == nil {
		t.Fatal("decodeTXT() with bad ca err = nil, want error")
	}
}

func TestDeviceFromEntry(t *testing.T) {
	tests := []struct {
		name      string
		entry     *mdns.ServiceEntry
		ok        bool
		audioOnly bool
	}{
		{
			name: "video receiver",
			entry: &mdns.ServiceEntry{
				Name:       "Chromecast-4f7c._googlecast._tcp.local.",
				AddrV4:     net.IPv4(192, 168, 1, 20),
				Port:       8009,
				InfoFields: []string{"id=4f7c", "fn=TV", "ca=5"},
			},
			ok: true,
		},
		{
			name: "speaker",
			entry: &mdns.ServiceEntry{
				Name:       "Google-Home-1._googlecast._tcp.local.",
				AddrV4:     net.IPv4(192, 168, 1, 21),
				Port:       8009,
				InfoFields: []string{"id=gh1", "fn=Kitchen speaker", "ca=4"},
			},
			ok:        true,
			audioOnly: true,
		},
		{
			name: "no output capabilities",
			entry: &mdns.ServiceEntry{
				Name:       "Bridge._googlecast._tcp.local.",
				AddrV4:     net.IPv4(192, 168, 1, 22),
				Port:       8009,
				InfoFields: []string{"id=br", "ca=0"},
			},
		},
		{
			name: "no ipv4 address",
			entry: &mdns.ServiceEntry{
				Name:       "Chromecast-x._googlecast._tcp.local.",
				InfoFields: []string{"id=x", "ca=1"},
			},
		},
		{
			name: "other service",
			entry: &mdns.ServiceEntry{
				Name:   "printer._ipp._tcp.local.",
				AddrV4: net.IPv4(192, 168, 1, 23),
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d, ok := deviceFromEntry(tc.entry)
			if ok != tc.ok {
				t.Fatalf("deviceFromEntry() ok = %v, want %v", ok, tc.ok)
			}
			if !ok {
				return
			}
			if !d.Capabilities.Has(CapabilityDefaultReceiver) {
				t.Fatalf("device %+v lacks default receiver capability", d)
			}
			if d.IsAudioOnly() != tc.audioOnly {
				t.Fatalf("IsAudioOnly() = %v, want %v", d.IsAudioOnly(), tc.audioOnly)
			}
		})
	}

	d, _ := deviceFromEntry(tests[0].entry)
	if d.ID != "Chromecast-4f7c" || d.UniqueID != "4f7c" || d.Addr != "192.168.1.20:8009" || d.Name != "TV" {
		t.Fatalf("deviceFromEntry() = %+v", d)
	}
}

func TestDiscoveryFeedsRegistry(t *testing.T) {
	reg := NewRegistry(nil)
	disc := NewDiscovery(reg, dispatch.Inline{})

	now := time.Unix(1000, 0)
	disc.now = func() time.Time { return now }
	alive := true
	disc.isAlive = func(string) bool { return alive }

	entry := &mdns.ServiceEntry{
		Name:       "Chromecast-4f7c._googlecast._tcp.local.",
		AddrV4:     net.IPv4(192, 168, 1, 20),
		Port:       8009,
		InfoFields: []string{"id=4f7c", "fn=TV", "ca=5"},
	}

	disc.observe(entry)
	disc.observe(entry)
	if got := len(reg.Devices()); got != 1 {
		t.Fatalf("registry has %d devices, want 1", got)
	}

	renamed := *entry
	renamed.InfoFields = []string{"id=4f7c", "fn=Den TV", "ca=5"}
	disc.observe(&renamed)
	if got := reg.Devices()[0].Name; got != "Den TV" {
		t.Fatalf("name after update = %q, want Den TV", got)
	}

	if disc.pollInterval() != pollIntervalSlow {
		t.Fatalf("pollInterval() = %v, want slow interval once a device is known", disc.pollInterval())
	}

	// quiet but reachable: kept
	now = now.Add(staleAfter)
	disc.sweep()
	if got := len(reg.Devices()); got != 1 {
		t.Fatalf("registry has %d devices after live sweep, want 1", got)
	}

	alive = false
	disc.sweep()
	if got := len(reg.Devices()); got != 0 {
		t.Fatalf("registry has %d devices after dead sweep, want 0", got)
	}
	if disc.pollInterval() != pollIntervalFast {
		t.Fatalf("pollInterval() = %v, want fast interval when nothing is known", disc.pollInterval())
	}
}

func TestDiscoveryQueriesEachInterface(t *testing.T) {
	disc := NewDiscovery(NewRegistry(nil), dispatch.Inline{})
	disc.interfaces = func() []net.Interface {
		return []net.Interface{{Index: 1, Name: "eth0"}, {Index: 2, Name: "wlan0"}}
	}

	calls := make(chan string, 4)
	disc.query = func(p *mdns.QueryParam) error {
		if p.Service != googlecastService {
			t.Errorf("query service = %q", p.Service)
		}
		if !p.DisableIPv6 {
			t.Errorf("query did not disable IPv6")
		}
		calls <- p.Interface.Name
		return nil
	}

	entries := make(chan *mdns.ServiceEntry, 1)
	disc.queryAll(t.Context(), entries)
	close(calls)

	seen := map[string]bool{}
	for name := range calls {
		seen[name] = true
	}
	if !seen["eth0"] || !seen["wlan0"] || len(seen) != 2 {
		t.Fatalf("queried interfaces = %v, want eth0 and wlan0", seen)
	}
}
