// Package recorder implements the motion-triggered segmented video recorder
// with its pre-roll ring buffer.
package recorder

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"vigil/internal/config"
	"vigil/internal/frame"
	"vigil/internal/hooks"
	"vigil/internal/metrics"
	"vigil/internal/pipeline"
	"vigil/internal/store"
	"vigil/internal/tmpl"
)

// state machine: DISABLED <- IDLE <-> RECORDING
type recordingState int

const (
	stateIdle recordingState = iota
	stateRecording
	stateDisabled
)

// warmupBeforeArming keeps the recorder from arming on the noisy frames
// right after a source (re)connects.
const warmupBeforeArming = 10 * time.Second

// Recorder is the asynchronous video-writer unit. While idle it maintains a
// pre-roll ring of recent frames; when the change rate crosses the threshold
// on a healthy source it opens a segment, flushes the ring, and records
// until motion cools off or the segment hits its maximum length.
type Recorder struct {
	*pipeline.AsyncBase

	log     *zap.Logger
	factory WriterFactory
	runner  *hooks.Runner
	events  *store.Store

	pathTemplate        string
	changeRateThreshold float32
	coolOff             time.Duration
	maxLength           time.Duration
	targetFPS           float64
	preRecordFrames     int
	onVideoStarts       string
	onVideoEnds         string

	state              recordingState
	writer             VideoWriter
	preRoll            []gocv.Mat
	recordStart        time.Time
	lastBelowThreshold time.Time
	segmentID          string
	filePath           string
	videoStartAt       time.Time
}

type recorderOptions struct {
	FilePath            string  `json:"filePath"`
	ChangeRateThreshold float32 `json:"changeRateThreshold"`
	CoolOffSec          int     `json:"coolOffSec"`
	MaxLengthSec        int     `json:"maxLengthSec"`
	TargetFps           float64 `json:"targetFps"`
	PreRecordFrames     int     `json:"preRecordFrames"`
	OnVideoStarts       string  `json:"onVideoStarts"`
	OnVideoEnds         string  `json:"onVideoEnds"`
}

// New builds the recorder unit. events may be nil to skip persistence.
func New(cfg config.UnitConfig, factory WriterFactory, runner *hooks.Runner,
	events *store.Store, log *zap.Logger) (*Recorder, error) {

	opts := recorderOptions{CoolOffSec: 30, MaxLengthSec: 60, TargetFps: 30}
	if err := cfg.Options(&opts); err != nil {
		return nil, err
	}
	r := &Recorder{
		log:                 log,
		factory:             factory,
		runner:              runner,
		events:              events,
		pathTemplate:        opts.FilePath,
		changeRateThreshold: opts.ChangeRateThreshold,
		coolOff:             time.Duration(opts.CoolOffSec) * time.Second,
		maxLength:           time.Duration(opts.MaxLengthSec) * time.Second,
		targetFPS:           opts.TargetFps,
		preRecordFrames:     opts.PreRecordFrames,
		onVideoStarts:       opts.OnVideoStarts,
		onVideoEnds:         opts.OnVideoEnds,
	}
	r.AsyncBase = pipeline.NewAsyncBase(r, log, cfg.QueueSize)
	r.AsyncBase.SetHours(pipeline.HoursFromSlice(cfg.TurnedOnHours))

	log.Info("video writer configured",
		zap.Float32("change_rate_threshold", opts.ChangeRateThreshold),
		zap.Int("pre_record_frames", opts.PreRecordFrames),
		zap.Int("cool_off_sec", opts.CoolOffSec),
		zap.Int("max_length_sec", opts.MaxLengthSec))
	return r, nil
}

func (r *Recorder) Name() string { return "videoWriter" }

// OnFrameReady runs on the unit's worker goroutine only, so no locking is
// needed around the state machine.
func (r *Recorder) OnFrameReady(m gocv.Mat, ctx *frame.Context) {
	if m.Empty() || r.state == stateDisabled {
		return
	}
	now := time.Now()

	if r.state == stateIdle {
		r.maintainPreRoll(m)

		if ctx.ChangeRate >= r.changeRateThreshold &&
			ctx.CapturedFromRealDevice &&
			now.Sub(ctx.CaptureFromThisDeviceSince) >= warmupBeforeArming {
			r.arm(m, ctx, now)
		}
	}

	if r.state == stateRecording {
		if ctx.ChangeRate < r.changeRateThreshold {
			if r.lastBelowThreshold.IsZero() {
				r.lastBelowThreshold = now
			}
		} else {
			r.lastBelowThreshold = time.Time{}
		}

		maxReached := now.Sub(r.recordStart) >= r.maxLength
		cooledOff := !r.lastBelowThreshold.IsZero() &&
			now.Sub(r.lastBelowThreshold) >= r.coolOff
		if maxReached || cooledOff {
			r.closeSegment(ctx)
			return
		}
		r.writeFrame(m)
	}
}

func (r *Recorder) maintainPreRoll(m gocv.Mat) {
	if r.preRecordFrames <= 0 {
		return
	}
	r.preRoll = append(r.preRoll, m.Clone())
	for len(r.preRoll) > r.preRecordFrames {
		r.preRoll[0].Close()
		r.preRoll = r.preRoll[1:]
	}
}

func (r *Recorder) arm(m gocv.Mat, ctx *frame.Context, now time.Time) {
	r.videoStartAt = time.Now()
	v := tmpl.FromContext(ctx)
	v.VideoStartTime = r.videoStartAt
	r.filePath = tmpl.Evaluate(r.pathTemplate, v)

	writer, err := r.factory(r.filePath, r.targetFPS, m.Cols(), m.Rows())
	if err != nil {
		r.log.Error("opening segment writer failed, disabling video writer",
			zap.String("path", r.filePath), zap.Error(err))
		r.state = stateDisabled
		return
	}
	r.writer = writer
	r.segmentID = uuid.NewString()

	if n := len(r.preRoll); n > 0 {
		r.log.Info("flushing pre-roll frames", zap.Int("frames", n))
		for _, pre := range r.preRoll {
			r.writeFrame(pre)
			pre.Close()
		}
		r.preRoll = r.preRoll[:0]
	}

	r.state = stateRecording
	r.recordStart = now
	r.lastBelowThreshold = time.Time{}
	metrics.RecordingActive.WithLabelValues(ctx.Device.Name).Set(1)
	r.log.Info("recording started",
		zap.Float32("change_rate", ctx.ChangeRate),
		zap.Float32("threshold", r.changeRateThreshold),
		zap.String("path", r.filePath))

	if r.events != nil {
		r.events.SaveSegment(&store.SegmentRecord{
			ID:         r.segmentID,
			DeviceName: ctx.Device.Name,
			Path:       r.filePath,
			StartedAt:  r.videoStartAt,
			ChangeRate: float64(ctx.ChangeRate),
		})
	}
	r.runner.Fire("onVideoStarts", tmpl.Evaluate(r.onVideoStarts, v))
}

func (r *Recorder) closeSegment(ctx *frame.Context) {
	if r.writer != nil {
		// the file must be closed before the video-ends hook fires
		if err := r.writer.Close(); err != nil {
			r.log.Error("closing segment writer failed", zap.Error(err))
		}
		r.writer = nil
		r.log.Info("recording stopped", zap.String("path", r.filePath))
	}
	for _, pre := range r.preRoll {
		pre.Close()
	}
	r.preRoll = r.preRoll[:0]
	r.recordStart = time.Time{}
	r.lastBelowThreshold = time.Time{}
	r.state = stateIdle
	metrics.RecordingActive.WithLabelValues(ctx.Device.Name).Set(0)

	if r.events != nil && r.segmentID != "" {
		r.events.CloseSegment(r.segmentID, time.Now())
	}

	v := tmpl.FromContext(ctx)
	v.VideoStartTime = r.videoStartAt
	r.runner.Fire("onVideoEnds", tmpl.Evaluate(r.onVideoEnds, v))
}

func (r *Recorder) writeFrame(m gocv.Mat) {
	if r.writer == nil {
		return
	}
	if err := r.writer.Write(m); err != nil {
		r.log.Error("writing frame failed", zap.Error(err))
	}
}

// Stop closes any open segment after the worker drains.
func (r *Recorder) Stop() {
	r.AsyncBase.Stop()
	if r.state == stateRecording {
		r.closeSegment(&frame.Context{})
	}
	for _, pre := range r.preRoll {
		pre.Close()
	}
	r.preRoll = nil
}
