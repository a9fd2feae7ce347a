package models

import "time"

// Coordinate is a WGS84 latitude/longitude pair in degrees
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Van is a GPS-tracked shuttle, identified by its device GUID
type Van struct {
	GUID        string    `json:"guid"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}

// TrackingSession is one continuous assignment of a van to a route
type TrackingSession struct {
	ID        string    `json:"id"`
	VanGUID   string    `json:"van_guid"`
	RouteID   int32     `json:"route_id"`
	StopIndex int       `json:"stop_index"` // index into the route's ordered stops
	Dead      bool      `json:"dead"`
	CreatedAt time.Time `json:"created_at"`
}

// LocationSample is a single GPS fix recorded against a session
type LocationSample struct {
	SessionID  string    `json:"session_id"`
	Timestamp  time.Time `json:"timestamp"` // device event time, UTC
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	ReceivedAt time.Time `json:"received_at"`
}

// Coordinate returns the sample position
func (s LocationSample) Coordinate() Coordinate {
	return Coordinate{Latitude: s.Latitude, Longitude: s.Longitude}
}

// Stop is a route stop as supplied by the routes subsystem
type Stop struct {
	ID        int64   `json:"id"`
	Position  int     `json:"position"` // dense 0..N-1 within the route
	Name      string  `json:"name,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Coordinate returns the stop position
func (s Stop) Coordinate() Coordinate {
	return Coordinate{Latitude: s.Latitude, Longitude: s.Longitude}
}

// Route is a named, ordered loop of stops
type Route struct {
	ID    int32  `json:"id"`
	Name  string `json:"name"`
	Stops []Stop `json:"stops,omitempty"`
}

// LocationReport is a decoded location payload from a van
type LocationReport struct {
	Timestamp time.Time `json:"timestamp"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
}

// VanStatus is the rider-facing view of where a van is on its route
type VanStatus struct {
	Session     TrackingSession `json:"session"`
	CurrentStop *Stop           `json:"current_stop,omitempty"`
	NextStop    *Stop           `json:"next_stop,omitempty"`
}

// StoreStats provides aggregate counts for the tracking tables
type StoreStats struct {
	Vans         int64 `json:"vans"`
	Sessions     int64 `json:"sessions"`
	LiveSessions int64 `json:"live_sessions"`
	Samples      int64 `json:"samples"`
	Routes       int64 `json:"routes"`
	Stops        int64 `json:"stops"`
}

// StopArrival is emitted when the estimator advances a van to a new stop
type StopArrival struct {
	ID            string    `json:"id"`
	VanGUID       string    `json:"van_guid"`
	RouteID       int32     `json:"route_id"`
	SessionID     string    `json:"session_id"`
	PreviousIndex int       `json:"previous_index"`
	StopIndex     int       `json:"stop_index"`
	StopID        int64     `json:"stop_id"`
	StopName      string    `json:"stop_name,omitempty"`
	Latitude      float64   `json:"latitude"`
	Longitude     float64   `json:"longitude"`
	Timestamp     time.Time `json:"timestamp"` // event time of the fix that triggered the advance
	DetectedAt    time.Time `json:"detected_at"`
}
