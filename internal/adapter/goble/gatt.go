package goble

import (
	"fmt"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/cgmlink/internal/adapter"
)

// gattClient exposes the minimal post-connect surface over ble.Client. The
// GATT profile is discovered once per link and cached on the connection.
type gattClient struct {
	conn   *connection
	logger *logrus.Logger
}

func (g *gattClient) characteristic(serviceUUID, characteristicUUID string) (ble.Client, *ble.Characteristic, error) {
	g.conn.mu.Lock()
	defer g.conn.mu.Unlock()

	client := g.conn.client
	if client == nil {
		return nil, nil, fmt.Errorf("link is down")
	}

	if g.conn.profile == nil {
		profile, err := client.DiscoverProfile(true)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to discover profile: %w", err)
		}
		g.conn.profile = profile
		g.logger.WithField("services", len(profile.Services)).Debug("GATT profile discovered")
	}

	for _, svc := range g.conn.profile.Services {
		if !adapter.UUIDsEqual(svc.UUID.String(), serviceUUID) {
			continue
		}
		for _, char := range svc.Characteristics {
			if adapter.UUIDsEqual(char.UUID.String(), characteristicUUID) {
				return client, char, nil
			}
		}
		return nil, nil, fmt.Errorf("characteristic %q not found in service %q", characteristicUUID, serviceUUID)
	}
	return nil, nil, fmt.Errorf("service %q not found", serviceUUID)
}

// Subscribe arms notifications (or indications when that is all the
// characteristic supports) and forwards every payload to handler.
func (g *gattClient) Subscribe(serviceUUID, characteristicUUID string, handler func(data []byte)) error {
	client, char, err := g.characteristic(serviceUUID, characteristicUUID)
	if err != nil {
		return err
	}

	indicate := char.Property&ble.CharNotify == 0 && char.Property&ble.CharIndicate != 0
	if err := client.Subscribe(char, indicate, func(data []byte) {
		handler(data)
	}); err != nil {
		return fmt.Errorf("failed to subscribe to %q: %w", characteristicUUID, err)
	}
	return nil
}

// Write sends data to a characteristic.
func (g *gattClient) Write(serviceUUID, characteristicUUID string, data []byte, withResponse bool) error {
	client, char, err := g.characteristic(serviceUUID, characteristicUUID)
	if err != nil {
		return err
	}
	if err := client.WriteCharacteristic(char, data, !withResponse); err != nil {
		return fmt.Errorf("failed to write %q: %w", characteristicUUID, err)
	}
	return nil
}
