// Package event defines the messages exchanged between the connectivity,
// transport and orchestrator units and the bounded mailboxes carrying them.
package event

import "fmt"

// Kind identifies an Event variant.
type Kind int

const (
	KindStationConnected Kind = iota + 1
	KindStationDisconnected
	KindTransportConnected
	KindTransportReceived
	KindTransportDisconnected
	KindFirmwareDownloaded
	KindReload
)

func (k Kind) String() string {
	switch k {
	case KindStationConnected:
		return "station_connected"
	case KindStationDisconnected:
		return "station_disconnected"
	case KindTransportConnected:
		return "transport_connected"
	case KindTransportReceived:
		return "transport_received"
	case KindTransportDisconnected:
		return "transport_disconnected"
	case KindFirmwareDownloaded:
		return "firmware_downloaded"
	case KindReload:
		return "reload"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a message consumed by the orchestrator. The set of variants is
// closed: only types in this package implement it.
//
// The consumer owns the event and must call Release once it is handled,
// whatever the outcome.
type Event interface {
	Kind() Kind
	Release()
	sealed()
}

type noPayload struct{}

func (noPayload) Release() {}
func (noPayload) sealed()  {}

// StationConnected reports that the network link is up.
type StationConnected struct {
	noPayload
	Addr string
}

func (StationConnected) Kind() Kind { return KindStationConnected }

// StationDisconnected reports that the link is down and the reconnect budget
// is spent.
type StationDisconnected struct{ noPayload }

func (StationDisconnected) Kind() Kind { return KindStationDisconnected }

// TransportConnected reports that a connection to the server was opened.
type TransportConnected struct{ noPayload }

func (TransportConnected) Kind() Kind { return KindTransportConnected }

// TransportReceived carries a server response. Status is 0 when the request
// failed before a response arrived, in which case Err is set.
type TransportReceived struct {
	Status int
	Body   *Buffer
	Err    error
}

func (TransportReceived) Kind() Kind { return KindTransportReceived }
func (TransportReceived) sealed()    {}

// Release returns the body to its pool.
func (e TransportReceived) Release() {
	if e.Body != nil {
		e.Body.Release()
	}
}

// Len returns the body length.
func (e TransportReceived) Len() int {
	if e.Body == nil {
		return 0
	}
	return len(e.Body.Bytes())
}

// TransportDisconnected reports that the server connection was closed.
type TransportDisconnected struct{ noPayload }

func (TransportDisconnected) Kind() Kind { return KindTransportDisconnected }

// FirmwareDownloaded reports the outcome of a download into staging.
type FirmwareDownloaded struct {
	noPayload
	Len int64
	Err error
}

func (FirmwareDownloaded) Kind() Kind { return KindFirmwareDownloaded }

// Reload asks the orchestrator to start a new check cycle.
type Reload struct{ noPayload }

func (Reload) Kind() Kind { return KindReload }
