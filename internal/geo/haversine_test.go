package geo

import (
	"math"
	"testing"

	"github.com/you/surplus-alerts/internal/model"
)

func TestDistanceZeroForSamePoint(t *testing.T) {
	points := []model.Location{{Lat: 0, Lng: 0}, {Lat: 52.52, Lng: 13.405}, {Lat: -89.9, Lng: 179.9}}
	for _, p := range points {
		if d := DistanceKm(p, p); d != 0 {
			t.Fatalf("distance(%v,%v) = %v, want 0", p, p, d)
		}
	}
}

func TestDistanceSymmetric(t *testing.T) {
	pairs := [][2]model.Location{
		{{Lat: 10, Lng: 10}, {Lat: 10.5, Lng: 10}},
		{{Lat: 48.8566, Lng: 2.3522}, {Lat: 51.5074, Lng: -0.1278}},
		{{Lat: -33.86, Lng: 151.2}, {Lat: 40.71, Lng: -74.0}},
	}
	for _, p := range pairs {
		ab := DistanceKm(p[0], p[1])
		ba := DistanceKm(p[1], p[0])
		if math.Abs(ab-ba) > 1e-9 {
			t.Fatalf("asymmetric: %v vs %v", ab, ba)
		}
	}
}

func TestDistanceKnownValues(t *testing.T) {
	cases := []struct {
		name string
		a, b model.Location
		want float64
		tol  float64
	}{
		// one degree of latitude on a 6371 km sphere
		{"one degree lat", model.Location{Lat: 0, Lng: 0}, model.Location{Lat: 1, Lng: 0}, 2 * math.Pi * EarthRadiusKm / 360, 1e-6},
		{"half degree lat", model.Location{Lat: 10, Lng: 10}, model.Location{Lat: 10.5, Lng: 10}, math.Pi * EarthRadiusKm / 360, 1e-6},
		{"antipodal", model.Location{Lat: 0, Lng: 0}, model.Location{Lat: 0, Lng: 180}, math.Pi * EarthRadiusKm, 1e-6},
		{"paris london", model.Location{Lat: 48.8566, Lng: 2.3522}, model.Location{Lat: 51.5074, Lng: -0.1278}, 343.5, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DistanceKm(tc.a, tc.b)
			if math.Abs(got-tc.want) > tc.tol {
				t.Fatalf("got %v want %v", got, tc.want)
			}
		})
	}
}

func TestValid(t *testing.T) {
	cases := []struct {
		loc  model.Location
		want bool
	}{
		{model.Location{Lat: 0, Lng: 0}, true},
		{model.Location{Lat: 90, Lng: 180}, true},
		{model.Location{Lat: -90, Lng: -180}, true},
		{model.Location{Lat: 90.1, Lng: 0}, false},
		{model.Location{Lat: 0, Lng: -180.5}, false},
		{model.Location{Lat: math.NaN(), Lng: 0}, false},
	}
	for _, tc := range cases {
		if got := Valid(tc.loc); got != tc.want {
			t.Fatalf("Valid(%v) = %v, want %v", tc.loc, got, tc.want)
		}
	}
}
