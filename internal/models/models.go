package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether c is a plausible WGS-84 position.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type RideRequest struct {
	RiderID     string `json:"rider_id"`
	Origin      Coord  `json:"origin"`
	Destination Coord  `json:"destination"`
}

// DriverLocation is a single position report from a driver app.
type DriverLocation struct {
	DriverID string `json:"driver_id"`
	Loc      Coord  `json:"loc"`
}

// DriverProfile is the registry row for a driver. LastLocation is the
// position reported with the latest profile update; the live position is
// in the location index.
type DriverProfile struct {
	DriverID     string    `json:"driver_id"`
	Available    bool      `json:"available"`
	LicensePlate string    `json:"license_plate,omitempty"`
	CarModel     string    `json:"car_model,omitempty"`
	LastLocation *Coord    `json:"last_location,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Ride struct {
	ID               string     `json:"id"`
	RiderID          string     `json:"rider_id"`
	DriverID         string     `json:"driver_id,omitempty"`
	Origin           Coord      `json:"origin"`
	Destination      Coord      `json:"destination"`
	Status           RideStatus `json:"status"`
	EstimatedFare    *float64   `json:"estimated_fare,omitempty"`
	EstimatedTimeSec *int       `json:"estimated_time_seconds,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Clone returns a deep copy so stores never share pointers with callers.
func (r *Ride) Clone() *Ride {
	if r == nil {
		return nil
	}
	cp := *r
	if r.EstimatedFare != nil {
		v := *r.EstimatedFare
		cp.EstimatedFare = &v
	}
	if r.EstimatedTimeSec != nil {
		v := *r.EstimatedTimeSec
		cp.EstimatedTimeSec = &v
	}
	return &cp
}

func (p *DriverProfile) Clone() *DriverProfile {
	if p == nil {
		return nil
	}
	cp := *p
	if p.LastLocation != nil {
		loc := *p.LastLocation
		cp.LastLocation = &loc
	}
	return &cp
}

// RideEvent is emitted whenever a ride changes status.
type RideEvent struct {
	Type     string     `json:"type"`
	RideID   string     `json:"ride_id"`
	DriverID string     `json:"driver_id,omitempty"`
	Status   RideStatus `json:"status"`
	At       time.Time  `json:"at"`
}
