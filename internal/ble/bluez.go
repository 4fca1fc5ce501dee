package ble

import (
	"strings"
	"sync"

	"codeberg.org/mutker/o2relay/internal/errors"
	"codeberg.org/mutker/o2relay/internal/logger"
	"tinygo.org/x/bluetooth"
)

// Peripheral GATT contract: a transparent-UART style service with one write
// characteristic for commands and one notify characteristic for responses.
const (
	serviceUUIDStr = "49535343-fe7d-4ae5-8fa9-9fafd205e455"
	writeUUIDStr   = "49535343-8841-43f4-a8d4-ecbe34729bb3"
	notifyUUIDStr  = "49535343-1e4d-4bd9-ba61-23c647249616"
)

// BlueZTransport implements Transport on the host BlueZ stack via
// tinygo.org/x/bluetooth. Operations run on their own goroutines and report
// through the machine's callbacks.
type BlueZTransport struct {
	adapter     *bluetooth.Adapter
	serviceUUID bluetooth.UUID
	writeUUID   bluetooth.UUID
	notifyUUID  bluetooth.UUID

	mu         sync.Mutex
	cb         Callbacks
	addresses  map[string]bluetooth.Address
	device     bluetooth.Device
	hasDevice  bool
	writeChar  bluetooth.DeviceCharacteristic
	notifyChar bluetooth.DeviceCharacteristic
	hasChars   bool
}

func NewBlueZTransport() (*BlueZTransport, error) {
	errFactory := errors.New()

	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, errFactory.Wrap(ErrAdapterInit, err)
	}

	serviceUUID, err := bluetooth.ParseUUID(serviceUUIDStr)
	if err != nil {
		return nil, errFactory.Wrap(ErrAdapterInit, err)
	}
	writeUUID, err := bluetooth.ParseUUID(writeUUIDStr)
	if err != nil {
		return nil, errFactory.Wrap(ErrAdapterInit, err)
	}
	notifyUUID, err := bluetooth.ParseUUID(notifyUUIDStr)
	if err != nil {
		return nil, errFactory.Wrap(ErrAdapterInit, err)
	}

	t := &BlueZTransport{
		adapter:     adapter,
		serviceUUID: serviceUUID,
		writeUUID:   writeUUID,
		notifyUUID:  notifyUUID,
		addresses:   make(map[string]bluetooth.Address),
	}

	adapter.SetConnectHandler(func(_ bluetooth.Device, connected bool) {
		if connected {
			return
		}
		t.mu.Lock()
		hadDevice := t.hasDevice
		t.hasDevice = false
		t.hasChars = false
		cb := t.cb
		t.mu.Unlock()

		if hadDevice && cb.Disconnected != nil {
			cb.Disconnected(nil)
		}
	})

	return t, nil
}

func (t *BlueZTransport) SetCallbacks(cb Callbacks) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cb = cb
}

func (t *BlueZTransport) callbacks() Callbacks {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.cb
}

func (t *BlueZTransport) Scan(filter Filter) error {
	go func() {
		err := t.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !matchesFilter(filter, result) {
				return
			}

			address := result.Address.String()
			t.mu.Lock()
			t.addresses[address] = result.Address
			cb := t.cb
			t.mu.Unlock()

			if cb.DeviceFound != nil {
				cb.DeviceFound(Target{Address: address, Name: result.LocalName()})
			}
		})
		if err != nil {
			if cb := t.callbacks(); cb.Failed != nil {
				cb.Failed(errors.New().Wrap(ErrScanFailed, err))
			}
		}
	}()

	return nil
}

func (t *BlueZTransport) StopScan() error {
	return t.adapter.StopScan()
}

func (t *BlueZTransport) Connect(target Target) error {
	t.mu.Lock()
	address, ok := t.addresses[target.Address]
	t.mu.Unlock()
	if !ok {
		return errors.New().WithData(ErrUnknownTarget, target.Address)
	}

	go func() {
		device, err := t.adapter.Connect(address, bluetooth.ConnectionParams{})
		cb := t.callbacks()
		if err != nil {
			if cb.Failed != nil {
				cb.Failed(errors.New().Wrap(ErrConnectFailed, err))
			}
			return
		}

		t.mu.Lock()
		t.device = device
		t.hasDevice = true
		t.mu.Unlock()

		if cb.LinkUp != nil {
			cb.LinkUp()
		}
	}()

	return nil
}

func (t *BlueZTransport) DiscoverCapabilities() error {
	go func() {
		cb := t.callbacks()

		t.mu.Lock()
		device := t.device
		hasDevice := t.hasDevice
		t.mu.Unlock()
		if !hasDevice {
			if cb.Failed != nil {
				cb.Failed(errors.New().New(ErrDiscoverFailed))
			}
			return
		}

		services, err := device.DiscoverServices([]bluetooth.UUID{t.serviceUUID})
		if err != nil || len(services) == 0 {
			if cb.Failed != nil {
				cb.Failed(errors.New().Wrap(ErrServiceNotFound, err))
			}
			return
		}

		chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{t.writeUUID, t.notifyUUID})
		if err != nil || len(chars) < 2 {
			if cb.Failed != nil {
				cb.Failed(errors.New().Wrap(ErrCharNotFound, err))
			}
			return
		}

		t.mu.Lock()
		for _, char := range chars {
			switch char.UUID() {
			case t.writeUUID:
				t.writeChar = char
			case t.notifyUUID:
				t.notifyChar = char
			}
		}
		t.hasChars = true
		t.mu.Unlock()

		if cb.CapabilitiesFound != nil {
			cb.CapabilitiesFound()
		}
	}()

	return nil
}

func (t *BlueZTransport) EnableNotifications() error {
	t.mu.Lock()
	hasChars := t.hasChars
	notifyChar := t.notifyChar
	t.mu.Unlock()
	if !hasChars {
		return errors.New().New(ErrCharNotFound)
	}

	// EnableNotifications writes the client-configuration descriptor.
	err := notifyChar.EnableNotifications(func(buf []byte) {
		data := make([]byte, len(buf))
		copy(data, buf)
		if cb := t.callbacks(); cb.Notify != nil {
			cb.Notify(data)
		}
	})
	if err != nil {
		return errors.New().Wrap(ErrNotifyFailed, err)
	}

	if cb := t.callbacks(); cb.NotificationsEnabled != nil {
		cb.NotificationsEnabled()
	}

	return nil
}

func (t *BlueZTransport) Send(data []byte) error {
	t.mu.Lock()
	hasChars := t.hasChars
	writeChar := t.writeChar
	t.mu.Unlock()
	if !hasChars {
		return errors.New().New(ErrCharNotFound)
	}

	if _, err := writeChar.WriteWithoutResponse(data); err != nil {
		return errors.New().Wrap(ErrSendFailed, err)
	}

	return nil
}

func (t *BlueZTransport) Disconnect() error {
	t.mu.Lock()
	device := t.device
	hasDevice := t.hasDevice
	t.hasDevice = false
	t.hasChars = false
	cb := t.cb
	t.mu.Unlock()

	if hasDevice {
		if err := device.Disconnect(); err != nil {
			logger.Debug().Err(err).Msg("Disconnect failed")
		}
	}

	// The machine relies on a terminal Disconnected event even when no link
	// was ever established.
	if cb.Disconnected != nil {
		cb.Disconnected(nil)
	}

	return nil
}

func matchesFilter(filter Filter, result bluetooth.ScanResult) bool {
	if filter.MAC != "" {
		return strings.EqualFold(result.Address.String(), filter.MAC)
	}
	if filter.NamePrefix != "" {
		return strings.HasPrefix(result.LocalName(), filter.NamePrefix)
	}

	return false
}
