// Package transmitter holds the fixed radio profile of the CGM transmitter:
// the service UUIDs it advertises and the characteristics a session subscribes
// to after connecting. The subscription order is part of the transmitter's
// handshake (authentication must be armed before the control channel), so the
// profile preserves insertion order.
package transmitter

import (
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Service UUIDs advertised by the transmitter.
const (
	// AdvertisementServiceUUID is the service present in the transmitter's
	// advertisement packets while it is connectable.
	AdvertisementServiceUUID = "0000FEBC-0000-1000-8000-00805F9B34FB"

	// CGMServiceUUID is the primary data service exposed after connecting.
	CGMServiceUUID = "F8083532-849E-531C-C594-30F1F86A4EA5"
)

// Characteristic UUIDs within the CGM service.
const (
	CommunicationCharUUID  = "F8083533-849E-531C-C594-30F1F86A4EA5"
	ControlCharUUID        = "F8083534-849E-531C-C594-30F1F86A4EA5"
	AuthenticationCharUUID = "F8083535-849E-531C-C594-30F1F86A4EA5"
	BackfillCharUUID       = "F8083536-849E-531C-C594-30F1F86A4EA5"
)

// ShutoffCycleGrace is how long the transmitter needs to complete an
// intentional shutoff cycle after dropping the link. A reconnect issued
// inside this window would be refused, so adapters with native delayed
// connect are handed this value as the connect delay.
const ShutoffCycleGrace = 3 * time.Minute

// CharacteristicRole identifies what a subscribed characteristic carries.
type CharacteristicRole int

const (
	// RoleAuthentication carries the pairing/authentication exchange.
	RoleAuthentication CharacteristicRole = iota
	// RoleControl carries sensor readings and session control traffic.
	RoleControl
	// RoleBackfill carries missed-reading backfill streams.
	RoleBackfill
)

func (r CharacteristicRole) String() string {
	switch r {
	case RoleAuthentication:
		return "authentication"
	case RoleControl:
		return "control"
	case RoleBackfill:
		return "backfill"
	default:
		return "unknown"
	}
}

// Subscription pairs a characteristic UUID with its role.
type Subscription struct {
	CharacteristicUUID string
	Role               CharacteristicRole
}

// Profile is the fixed service/characteristic configuration handed to a
// peripheral session. Subscriptions iterate in the order they were added.
type Profile struct {
	serviceUUID string
	subs        *orderedmap.OrderedMap[string, CharacteristicRole]
}

// NewProfile creates an empty profile for the given service.
func NewProfile(serviceUUID string) *Profile {
	return &Profile{
		serviceUUID: serviceUUID,
		subs:        orderedmap.New[string, CharacteristicRole](),
	}
}

// DefaultProfile returns the CGM service profile with the characteristics a
// session must arm, in handshake order.
func DefaultProfile() *Profile {
	p := NewProfile(CGMServiceUUID)
	p.Add(AuthenticationCharUUID, RoleAuthentication)
	p.Add(ControlCharUUID, RoleControl)
	p.Add(BackfillCharUUID, RoleBackfill)
	return p
}

// ServiceUUID returns the service the profile's characteristics belong to.
func (p *Profile) ServiceUUID() string {
	return p.serviceUUID
}

// Add appends a characteristic subscription. Adding an already-present UUID
// updates its role without changing its position.
func (p *Profile) Add(characteristicUUID string, role CharacteristicRole) {
	p.subs.Set(characteristicUUID, role)
}

// Role reports the role registered for a characteristic.
func (p *Profile) Role(characteristicUUID string) (CharacteristicRole, bool) {
	return p.subs.Get(characteristicUUID)
}

// Subscriptions returns the registered characteristics in insertion order.
func (p *Profile) Subscriptions() []Subscription {
	result := make([]Subscription, 0, p.subs.Len())
	for pair := p.subs.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, Subscription{CharacteristicUUID: pair.Key, Role: pair.Value})
	}
	return result
}

// Len returns the number of registered characteristics.
func (p *Profile) Len() int {
	return p.subs.Len()
}
