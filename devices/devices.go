package devices

import (
	"slices"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrNoDeviceAvailable  = errors.New("devices: no receivers discovered")
	ErrDeviceNotAvailable = errors.New("devices: requested receiver not available")
)

// Capability is a bit set of receiver features.
type Capability int

const (
	// CapabilityVideoOut mirrors bit 0 of the Chromecast "ca" TXT field.
	CapabilityVideoOut Capability = 1 << 0
	// CapabilityAudioOut mirrors bit 2 of the "ca" TXT field.
	CapabilityAudioOut Capability = 1 << 2
	// CapabilityDefaultReceiver marks devices able to run the default media
	// receiver application.
	CapabilityDefaultReceiver Capability = 1 << 16
)

// Has reports whether every bit of o is set.
func (c Capability) Has(o Capability) bool {
	return c&o == o
}

// Device is a discoverable receiver. Two Devices are the same receiver iff
// both ID and UniqueID match.
type Device struct {
	ID           string
	UniqueID     string
	Name         string
	Model        string
	Addr         string
	Capabilities Capability
}

// Equal reports whether d and o identify the same receiver.
func (d Device) Equal(o Device) bool {
	return d.ID == o.ID && d.UniqueID == o.UniqueID
}

// IsAudioOnly reports devices without video output, like speakers.
func (d Device) IsAudioOnly() bool {
	return !d.Capabilities.Has(CapabilityVideoOut)
}

// ChangeKind tells observers how the visible list changed.
type ChangeKind int

const (
	Insert ChangeKind = iota
	Delete
	Reload
)

func (k ChangeKind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Delete:
		return "delete"
	case Reload:
		return "reload"
	default:
		return "unknown"
	}
}

// Change describes one mutation of the visible list.
type Change struct {
	Kind   ChangeKind
	Index  int
	Device Device
}

// Observer receives the list after a change together with the change.
type Observer func(list []Device, change Change)

// Registry is the ordered, deduplicated set of reachable receivers. It is a
// pure projection of the discovery feed: entries keep first-seen order and
// updates happen in place.
type Registry struct {
	mu       sync.RWMutex
	list     []Device
	observer Observer
}

// NewRegistry returns an empty Registry notifying obs, which may be nil.
func NewRegistry(obs Observer) *Registry {
	return &Registry{observer: obs}
}

// SetObserver replaces the observer.
func (r *Registry) SetObserver(obs Observer) {
	r.mu.Lock()
	r.observer = obs
	r.mu.Unlock()
}

// DeviceAppeared appends d unless an equal device is already listed.
func (r *Registry) DeviceAppeared(d Device) {
	r.mu.Lock()
	if r.indexLocked(d) >= 0 {
		r.mu.Unlock()
		return
	}
	r.list = append(r.list, d)
	change := Change{Kind: Insert, Index: len(r.list) - 1, Device: d}
	r.notifyLocked(change)
}

// DeviceVanished removes d. Unknown devices are ignored; discovery feeds do
// emit spurious vanish events.
func (r *Registry) DeviceVanished(d Device) {
	r.mu.Lock()
	idx := r.indexLocked(d)
	if idx < 0 {
		r.mu.Unlock()
		return
	}
	removed := r.list[idx]
	r.list = slices.Delete(r.list, idx, idx+1)
	r.notifyLocked(Change{Kind: Delete, Index: idx, Device: removed})
}

// DeviceUpdated replaces the entry equal to d in place.
func (r *Registry) DeviceUpdated(d Device) {
	r.mu.Lock()
	idx := r.indexLocked(d)
	if idx < 0 {
		r.mu.Unlock()
		return
	}
	r.list[idx] = d
	r.notifyLocked(Change{Kind: Reload, Index: idx, Device: d})
}

// Devices returns a copy of the visible list.
func (r *Registry) Devices() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.list)
}

// Contains reports whether d is currently visible.
func (r *Registry) Contains(d Device) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.indexLocked(d) >= 0
}

// Lookup finds a device by id, unique id or name, in that order.
func (r *Registry) Lookup(target string) (Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.list) == 0 {
		return Device{}, ErrNoDeviceAvailable
	}
	for _, d := range r.list {
		if d.ID == target {
			return d, nil
		}
	}
	for _, d := range r.list {
		if d.UniqueID == target {
			return d, nil
		}
	}
	for _, d := range r.list {
		if d.Name == target {
			return d, nil
		}
	}
	return Device{}, ErrDeviceNotAvailable
}

// DevicePicker returns the nth (1-based) visible device.
func (r *Registry) DevicePicker(n int) (Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > len(r.list) || len(r.list) == 0 || n <= 0 {
		return Device{}, ErrDeviceNotAvailable
	}
	return r.list[n-1], nil
}

func (r *Registry) indexLocked(d Device) int {
	return slices.IndexFunc(r.list, d.Equal)
}

// notifyLocked releases the lock before calling out so observers may read
// the registry.
func (r *Registry) notifyLocked(change Change) {
	obs := r.observer
	snapshot := slices.Clone(r.list)
	r.mu.Unlock()

	if obs != nil {
		obs(snapshot, change)
	}
}
