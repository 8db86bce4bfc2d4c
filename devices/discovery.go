package devices

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/hashicorp/mdns"
	"github.com/rs/zerolog"

	"popcast.app/popcast/dispatch"
)

const (
	googlecastService = "_googlecast._tcp"
	// mDNS query timeout per request
	queryTimeout = 750 * time.Millisecond
	// Faster polling while nothing is known for quick first discovery
	pollIntervalFast = 1 * time.Second
	// Slower polling once at least one device is known to reduce network load
	pollIntervalSlow = 4 * time.Second
	// Devices not announced for this long get a liveness probe
	staleAfter = 15 * time.Second
)

// Feed receives discovery events. Registry implements it.
type Feed interface {
	DeviceAppeared(Device)
	DeviceVanished(Device)
	DeviceUpdated(Device)
}

// txtRecord holds the Chromecast TXT fields we care about.
type txtRecord struct {
	ID           string `mapstructure:"id"`
	FriendlyName string `mapstructure:"fn"`
	Model        string `mapstructure:"md"`
	Caps         int    `mapstructure:"ca"`
}

type seenDevice struct {
	device   Device
	lastSeen time.Time
}

// Discovery browses the LAN for cast receivers and turns mDNS answers into
// appeared/updated/vanished events. Every feed call is posted on the
// control queue.
type Discovery struct {
	Logger zerolog.Logger

	feed  Feed
	queue dispatch.Queue

	// seams for tests
	now        func() time.Time
	isAlive    func(addr string) bool
	query      func(params *mdns.QueryParam) error
	interfaces func() []net.Interface

	mu    sync.Mutex
	known map[string]*seenDevice
}

// NewDiscovery creates a Discovery feeding feed through q.
func NewDiscovery(feed Feed, q dispatch.Queue) *Discovery {
	return &Discovery{
		Logger:     zerolog.Nop(),
		feed:       feed,
		queue:      q,
		now:        time.Now,
		isAlive:    HostPortIsAlive,
		query:      mdns.Query,
		interfaces: getActiveNetworkInterfaces,
		known:      make(map[string]*seenDevice),
	}
}

// Run queries every active interface until ctx is canceled, using adaptive
// polling, and sweeps devices that stopped answering.
func (d *Discovery) Run(ctx context.Context) {
	entries := make(chan *mdns.ServiceEntry, 256)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case entry := <-entries:
				d.observe(entry)
			}
		}
	}()

	pollTimer := time.NewTimer(0)
	defer pollTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-pollTimer.C:
		}

		d.queryAll(ctx, entries)
		d.sweep()
		pollTimer.Reset(d.pollInterval())
	}
}

func (d *Discovery) queryAll(ctx context.Context, entries chan<- *mdns.ServiceEntry) {
	queryIface := func(iface *net.Interface) {
		params := mdns.DefaultParams(googlecastService)
		params.Entries = entries
		params.Timeout = queryTimeout
		params.DisableIPv6 = true
		params.WantUnicastResponse = true
		params.Logger = log.New(io.Discard, "", 0)
		if iface != nil {
			params.Interface = iface
		}
		if err := d.query(params); err != nil {
			d.Logger.Debug().Str("Method", "queryAll").Err(err).Msg("mdns query failed")
		}
	}

	interfaces := d.interfaces()
	if len(interfaces) == 0 {
		queryIface(nil)
		return
	}

	var wg sync.WaitGroup
	for _, iface := range interfaces {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(iface net.Interface) {
			defer wg.Done()
			queryIface(&iface)
		}(iface)
	}
	wg.Wait()
}

func (d *Discovery) pollInterval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.known) > 0 {
		return pollIntervalSlow
	}
	return pollIntervalFast
}

// observe records one mDNS answer and emits appeared or updated.
func (d *Discovery) observe(entry *mdns.ServiceEntry) {
	dev, ok := deviceFromEntry(entry)
	if !ok {
		return
	}

	key := dev.ID + "/" + dev.UniqueID
	now := d.now()

	d.mu.Lock()
	prev, exists := d.known[key]
	d.known[key] = &seenDevice{device: dev, lastSeen: now}
	d.mu.Unlock()

	switch {
	case !exists:
		d.Logger.Debug().Str("Device", dev.Name).Str("Addr", dev.Addr).Msg("receiver appeared")
		d.queue.Post(func() { d.feed.DeviceAppeared(dev) })
	case prev.device != dev:
		d.Logger.Debug().Str("Device", dev.Name).Msg("receiver changed")
		d.queue.Post(func() { d.feed.DeviceUpdated(dev) })
	}
}

// sweep probes devices that have been quiet for a while and reports the
// unreachable ones as vanished.
func (d *Discovery) sweep() {
	now := d.now()

	d.mu.Lock()
	var stale []Device
	for _, s := range d.known {
		if now.Sub(s.lastSeen) >= staleAfter {
			stale = append(stale, s.device)
		}
	}
	d.mu.Unlock()

	for _, dev := range stale {
		if d.isAlive(dev.Addr) {
			continue
		}

		d.mu.Lock()
		delete(d.known, dev.ID+"/"+dev.UniqueID)
		d.mu.Unlock()

		d.Logger.Debug().Str("Device", dev.Name).Msg("receiver vanished")
		d.queue.Post(func() { d.feed.DeviceVanished(dev) })
	}
}

// deviceFromEntry converts a googlecast mDNS answer. Receivers that cannot
// run the default media receiver are skipped.
func deviceFromEntry(entry *mdns.ServiceEntry) (Device, bool) {
	if entry == nil || entry.AddrV4 == nil {
		return Device{}, false
	}
	if !strings.Contains(entry.Name, "_googlecast") {
		return Device{}, false
	}

	rec, err := decodeTXT(entry.InfoFields)
	if err != nil {
		return Device{}, false
	}

	instance := entry.Name
	if idx := strings.Index(instance, "._googlecast"); idx > 0 {
		instance = instance[:idx]
	}

	name := rec.FriendlyName
	if name == "" {
		name = instance
	}

	uniqueID := rec.ID
	if uniqueID == "" {
		uniqueID = instance
	}

	caps := Capability(rec.Caps) & (CapabilityVideoOut | CapabilityAudioOut)
	if caps != 0 {
		caps |= CapabilityDefaultReceiver
	}
	if !caps.Has(CapabilityDefaultReceiver) {
		return Device{}, false
	}

	return Device{
		ID:           instance,
		UniqueID:     uniqueID,
		Name:         name,
		Model:        rec.Model,
		Addr:         fmt.Sprintf("%s:%d", entry.AddrV4, entry.Port),
		Capabilities: caps,
	}, true
}

// decodeTXT turns "key=value" TXT fields into a txtRecord. Numeric fields
// arrive as strings, hence the weakly typed decode.
func decodeTXT(fields []string) (txtRecord, error) {
	raw := make(map[string]string, len(fields))
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		raw[k] = v
	}

	var rec txtRecord
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &rec,
	})
	if err != nil {
		return txtRecord{}, err
	}
	if err := dec.Decode(raw); err != nil {
		return txtRecord{}, fmt.Errorf("decode txt record: %w", err)
	}
	return rec, nil
}

// getActiveNetworkInterfaces returns all network interfaces that are up,
// multicast-capable, not loopback, and have an IPv4 address.
func getActiveNetworkInterfaces() []net.Interface {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var active []net.Interface
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 ||
			iface.Flags&net.FlagLoopback != 0 ||
			iface.Flags&net.FlagMulticast == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil && !ipnet.IP.IsLoopback() {
				active = append(active, iface)
				break
			}
		}
	}

	return active
}

// HostPortIsAlive checks if a device at the given address accepts a TCP
// connection within 2 seconds.
func HostPortIsAlive(address string) bool {
	conn, err := net.DialTimeout("tcp", address, 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
