package hook

import (
	"github.com/pg-pooling/bouncerop/relstore"
)

// Kind is a lifecycle notification delivered by the hosting runtime.
type Kind string

const (
	BackendCreated          = Kind("backend-created")
	BackendEndpointsChanged = Kind("backend-endpoints-changed")
	BackendDeparted         = Kind("backend-departed")
	BackendBroken           = Kind("backend-broken")
	ClientJoined            = Kind("client-joined")
	ClientChanged           = Kind("client-changed")
	ClientDeparted          = Kind("client-departed")
	ClientBroken            = Kind("client-broken")
)

// Event is one notification. Leadership is an external fact injected
// per event, never a global. Delivery is at-least-once and may be
// out of order relative to dependent state, so handlers re-validate
// preconditions every time.
type Event struct {
	Kind     Kind
	Relation relstore.RelationID

	RemoteApp     string
	RemoteUnit    string
	DepartingUnit string

	Leader bool
}
