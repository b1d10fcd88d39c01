package models

import "fmt"

type RideStatus string

const (
	StatusRequested  RideStatus = "requested"
	StatusMatched    RideStatus = "matched"
	StatusInProgress RideStatus = "in_progress"
	StatusCompleted  RideStatus = "completed"
	StatusCancelled  RideStatus = "cancelled"
)

var transitions = map[RideStatus][]RideStatus{
	StatusRequested:  {StatusMatched, StatusCancelled},
	StatusMatched:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted},
}

// CanTransition reports whether a ride may move from one status to another.
func CanTransition(from, to RideStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// DriverHeld reports whether a ride in this status keeps its driver unavailable.
func DriverHeld(s RideStatus) bool {
	return s == StatusMatched || s == StatusInProgress
}

// HasDriver reports whether a ride in this status must carry a driver id.
func HasDriver(s RideStatus) bool {
	return s == StatusMatched || s == StatusInProgress || s == StatusCompleted
}

func ParseRideStatus(v string) (RideStatus, error) {
	switch s := RideStatus(v); s {
	case StatusRequested, StatusMatched, StatusInProgress, StatusCompleted, StatusCancelled:
		return s, nil
	}
	return "", fmt.Errorf("unknown ride status %q", v)
}
