// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Verifications counts verification flows by outcome ("verified" or a
	// failure kind such as "token" or "location").
	Verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_verifications_total",
		Help: "Verification flows by outcome.",
	}, []string{"outcome"})

	// LedgerCommits counts ledger commit attempts by result.
	LedgerCommits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_ledger_commits_total",
		Help: "Attendance commits by result (created, duplicate, error).",
	}, []string{"result"})

	TokenRotations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendance_token_rotations_total",
		Help: "QR tokens published by the rotator.",
	})

	ActiveRotators = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "attendance_active_rotators",
		Help: "Sessions with a running token rotator.",
	})

	FaceScores = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attendance_face_score",
		Help:    "Mean luminance difference reported by the face scorer.",
		Buckets: []float64{10, 25, 50, 75, 100, 115, 140, 175, 255},
	})

	GeoDistances = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attendance_geofence_distance_meters",
		Help:    "Distance between student and session anchor.",
		Buckets: []float64{10, 25, 50, 100, 200, 300, 500, 1000, 5000},
	})

	// Alerts is the latest alert count per severity, set by the worker.
	Alerts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "attendance_alerts",
		Help: "Students currently below an attendance threshold.",
	}, []string{"severity"})
)
