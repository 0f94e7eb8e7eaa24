package queue

import (
	"fmt"
	"math"
	"sort"
)

// WaitEstimate is a derived, non-authoritative prediction of remaining wait
// for one booking. It never feeds back into stored state.
type WaitEstimate struct {
	Token        int    `json:"token"`
	CurrentToken int    `json:"current_token"`
	Remaining    int    `json:"remaining"`
	Minutes      int    `json:"minutes"`
	Label        string `json:"label"`
}

// Estimate computes the position and ETA for the given token against the
// clinic's queue state. Remaining is the number of patients still ahead.
func Estimate(c *Clinic, token int) WaitEstimate {
	est := WaitEstimate{
		Token:        token,
		CurrentToken: c.CurrentToken,
		Remaining:    token - c.CurrentToken - 1,
	}
	switch {
	case est.Remaining < 0:
		est.Remaining = 0
		est.Label = "being served now"
	case est.Remaining == 0:
		est.Minutes = c.AvgTimePerPatient
		est.Label = "you're next"
	default:
		est.Minutes = est.Remaining * c.AvgTimePerPatient
		est.Label = fmt.Sprintf("~%d mins", est.Minutes)
	}
	return est
}

// EstimatedQueueMinutes is the clinic-level wait a new patient would face,
// computed from actual waiting rows rather than the total_tokens gap, so
// cancellations do not inflate it.
func EstimatedQueueMinutes(info ClinicQueueInfo) int {
	return info.WaitingCount * info.AvgTimePerPatient
}

// GeoPoint is a patient location used for distance ranking.
type GeoPoint struct {
	Latitude  float64
	Longitude float64
}

const earthRadiusKm = 6371.0

// DistanceKm is the haversine distance between two points.
func DistanceKm(a, b GeoPoint) float64 {
	latA := a.Latitude * math.Pi / 180
	latB := b.Latitude * math.Pi / 180
	dLat := latB - latA
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(latA)*math.Cos(latB)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

// RankClinics orders the clinic list for patients: ascending distance when
// both sides have coordinates, then ascending fees, then ascending estimated
// wait. Clinics without coordinates sort after those with, when an origin is
// given. The sort is stable so each key only breaks ties of the previous.
func RankClinics(clinics []ClinicQueueInfo, origin *GeoPoint) {
	dist := func(c ClinicQueueInfo) (float64, bool) {
		if origin == nil || c.Latitude == nil || c.Longitude == nil {
			return 0, false
		}
		return DistanceKm(*origin, GeoPoint{Latitude: *c.Latitude, Longitude: *c.Longitude}), true
	}

	sort.SliceStable(clinics, func(i, j int) bool {
		di, iok := dist(clinics[i])
		dj, jok := dist(clinics[j])
		if iok != jok {
			return iok
		}
		if iok && jok && di != dj {
			return di < dj
		}
		if clinics[i].Fees != clinics[j].Fees {
			return clinics[i].Fees < clinics[j].Fees
		}
		return EstimatedQueueMinutes(clinics[i]) < EstimatedQueueMinutes(clinics[j])
	})
}
