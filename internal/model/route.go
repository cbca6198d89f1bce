package model

import "time"

// StopStatus is the delivery state of a single stop as known locally.
type StopStatus string

const (
	StopStatusScheduled StopStatus = "scheduled"
	StopStatusArrived   StopStatus = "arrived"
	StopStatusDelivered StopStatus = "delivered"
	StopStatusSkipped   StopStatus = "skipped"
	StopStatusFailed    StopStatus = "failed"
	StopStatusCancelled StopStatus = "cancelled"
)

// Stop is one entry in a route's ordered stop list.
type Stop struct {
	ID       string     `json:"id"`
	Sequence int        `json:"sequence"`
	Status   StopStatus `json:"status"`

	// Address and CustomerID are carried for the driver UI; the engine
	// never interprets them.
	Address    string `json:"address,omitempty"`
	CustomerID string `json:"customer_id,omitempty"`

	// Notes is the appended delivery note log (additive, never replaced).
	Notes []string `json:"notes,omitempty"`

	// FieldTimestamps holds the server's authoritative last-modified time
	// per field name, populated on pull. The conflict resolver depends on
	// these.
	FieldTimestamps map[string]time.Time `json:"field_timestamps,omitempty"`
}

// Route is a driver's assigned stop list for one work period.
//
// A Route is an immutable snapshot: it is replaced wholesale on each
// successful pull and never patched field-by-field. Local effects of
// accepted actions are applied by building a new snapshot.
type Route struct {
	ID       string `json:"id"`
	DriverID string `json:"driver_id"`

	// Day is the work period in YYYY-MM-DD form; together with DriverID
	// it names the storage partition.
	Day string `json:"day"`

	// Version is the server's version/ETag for this snapshot.
	Version string `json:"version"`

	Stops []Stop `json:"stops"`

	FetchedAt time.Time `json:"fetched_at"`
}

// FindStop returns the stop with the given ID, or nil.
func (r *Route) FindStop(stopID string) *Stop {
	for i := range r.Stops {
		if r.Stops[i].ID == stopID {
			return &r.Stops[i]
		}
	}
	return nil
}

// WithStopApplied returns a copy of the route with fn applied to the named
// stop. The receiver is not modified; callers replace their snapshot with
// the returned route atomically.
func (r *Route) WithStopApplied(stopID string, fn func(*Stop)) *Route {
	next := *r
	next.Stops = make([]Stop, len(r.Stops))
	copy(next.Stops, r.Stops)
	for i := range next.Stops {
		if next.Stops[i].ID == stopID {
			// Deep-copy the mutable slices before handing to fn.
			next.Stops[i].Notes = append([]string(nil), next.Stops[i].Notes...)
			fn(&next.Stops[i])
			break
		}
	}
	return &next
}

// LocationSample is one GPS trail point. Samples are append-only and never
// conflict; they are the first data shed under storage pressure.
type LocationSample struct {
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	AccuracyM  float64   `json:"accuracy_m"`
	CapturedAt time.Time `json:"captured_at"`
}

// SyncCursor is the checkpoint of the last fully reconciled server state.
// The token is opaque to the client; it advances only after a round in
// which every pushed action reached a final outcome.
type SyncCursor struct {
	Token        string    `json:"token"`
	LastAdvanced time.Time `json:"last_advanced"`
}
