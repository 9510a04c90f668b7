// Package metrics registers the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesCaptured counts frames handed to the executor, labelled by
	// device and by whether a real frame or a placeholder was produced.
	FramesCaptured = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "frames_captured_total",
		Help:      "Frames produced by the capture loop.",
	}, []string{"device", "source"})

	// FramesDropped counts frames shed by async queues.
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "frames_dropped_total",
		Help:      "Frames discarded by asynchronous unit queues.",
	}, []string{"device", "unit"})

	// QueueDepth tracks each async unit's backlog.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "vigil",
		Name:      "queue_depth",
		Help:      "Current asynchronous unit queue depth.",
	}, []string{"device", "unit"})

	// CaptureFPS is the sliding-window FPS estimate per device.
	CaptureFPS = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "vigil",
		Name:      "capture_fps",
		Help:      "Sliding-window frames-per-second estimate.",
	}, []string{"device"})

	// ChangeRate is the latest pixel change rate per device.
	ChangeRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "vigil",
		Name:      "change_rate",
		Help:      "Fraction of pixels changed against the reference frame.",
	}, []string{"device"})

	// RecordingActive is 1 while a device's segmented recorder is writing.
	RecordingActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "vigil",
		Name:      "recording_active",
		Help:      "Whether the segmented recorder is currently writing.",
	}, []string{"device"})
)
