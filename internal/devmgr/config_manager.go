// Package devmgr manages the device configuration registry and the boot
// time attachment of filesystem devices to a running guest.
package devmgr

import "errors"

var (
	ErrTagConflict      = errors.New("device tag already exists")
	ErrSockPathConflict = errors.New("vhost-user socket path already exists")
)

// ConfigItem is a device configuration record that can detect identity
// conflicts with another record of the same kind.
type ConfigItem[T any] interface {
	// ID returns the record's primary identity.
	ID() string
	// CheckConflict reports a conflict error when the receiver and other
	// cannot coexist in one registry.
	CheckConflict(other T) error
}

// DeviceConfigInfo pairs a configuration record with the live device it
// produced, once attached. Device stays nil while the record is only
// registered.
type DeviceConfigInfo[T ConfigItem[T]] struct {
	Config T
	Device any
}

// DeviceConfigInfos is an ordered registry of device configuration
// records. Ordering is insertion order; attachment walks it in order.
// Not safe for concurrent use; the owning manager serializes access.
type DeviceConfigInfos[T ConfigItem[T]] struct {
	items []DeviceConfigInfo[T]
}

// Insert adds config to the registry after checking it against every
// existing record. Any identity collision, including re-inserting an
// identical record, is rejected with the conflict error produced by
// CheckConflict.
func (l *DeviceConfigInfos[T]) Insert(config T) (int, error) {
	for i := range l.items {
		if err := l.items[i].Config.CheckConflict(config); err != nil {
			return -1, err
		}
	}
	l.items = append(l.items, DeviceConfigInfo[T]{Config: config})
	return len(l.items) - 1, nil
}

// Lookup returns the entry whose record has the given identity.
func (l *DeviceConfigInfos[T]) Lookup(id string) *DeviceConfigInfo[T] {
	for i := range l.items {
		if l.items[i].Config.ID() == id {
			return &l.items[i]
		}
	}
	return nil
}

// Len returns the number of registered records.
func (l *DeviceConfigInfos[T]) Len() int { return len(l.items) }

// At returns the i-th entry in insertion order.
func (l *DeviceConfigInfos[T]) At(i int) *DeviceConfigInfo[T] { return &l.items[i] }
