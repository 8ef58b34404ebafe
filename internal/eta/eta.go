package eta

import "math"

// DefaultSpeedKmh is used when the configured speed is not positive.
const DefaultSpeedKmh = 30.0

// EstimateMinutes converts a straight-line pickup distance into whole minutes
// at an assumed average speed. Any non-zero distance is at least one minute.
func EstimateMinutes(distanceKm, speedKmh float64) int {
	if speedKmh <= 0 {
		speedKmh = DefaultSpeedKmh
	}
	if distanceKm <= 0 {
		return 0
	}
	return int(math.Ceil(distanceKm / speedKmh * 60))
}
