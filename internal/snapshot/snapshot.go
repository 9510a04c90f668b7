// Package snapshot encodes the current frame once per refresh interval and
// publishes the same JPEG over every enabled transport: HTTP, file, POSIX
// shared memory and ZeroMQ.
package snapshot

import (
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"vigil/internal/annotate"
	"vigil/internal/config"
	"vigil/internal/frame"
	"vigil/internal/pipeline"
	"vigil/internal/web"
)

// Sink publishes one encoded snapshot. Errors are logged and the frame is
// dropped; a sink never blocks the pipeline beyond its own transport.
type Sink interface {
	Publish(jpeg []byte, ctx *frame.Context) error
	Close() error
}

// Multiplexer is the asynchronous snapshot unit.
type Multiplexer struct {
	*pipeline.AsyncBase

	log             *zap.Logger
	refreshInterval time.Duration
	quality         int
	annotateCPU     bool
	sinks           []Sink

	lastPublish time.Time
}

type multiplexerOptions struct {
	RefreshIntervalSec float64 `json:"refreshIntervalSec"`
	JPEGQuality        int     `json:"jpegQuality"`
	Annotate           bool    `json:"annotate"`
	HTTP               bool    `json:"http"`
	File               struct {
		Path string `json:"path"`
	} `json:"file"`
	SharedMemory struct {
		Name          string `json:"name"`
		SemaphoreName string `json:"semaphoreName"`
		Size          int    `json:"size"`
	} `json:"sharedMemory"`
	ZeroMQ struct {
		Endpoint string `json:"endpoint"`
		SendHWM  int    `json:"sendHwm"`
	} `json:"zeromq"`
}

// webSink adapts the HTTP server to the Sink interface.
type webSink struct {
	server *web.Server
}

func (s *webSink) Publish(jpeg []byte, ctx *frame.Context) error {
	s.server.SetSnapshot(ctx.Device.Name, jpeg)
	return nil
}

func (s *webSink) Close() error { return nil }

// New builds the multiplexer and its enabled sinks. A sink whose setup
// fails is disabled with an error log; the rest keep publishing.
func New(cfg config.UnitConfig, server *web.Server, log *zap.Logger) (*Multiplexer, error) {
	opts := multiplexerOptions{RefreshIntervalSec: 10, JPEGQuality: 90}
	if err := cfg.Options(&opts); err != nil {
		return nil, err
	}
	u := &Multiplexer{
		log:             log,
		refreshInterval: time.Duration(opts.RefreshIntervalSec * float64(time.Second)),
		quality:         opts.JPEGQuality,
		annotateCPU:     opts.Annotate,
	}

	if opts.HTTP && server != nil {
		u.sinks = append(u.sinks, &webSink{server: server})
		log.Info("http snapshot sink enabled")
	}
	if opts.File.Path != "" {
		u.sinks = append(u.sinks, newFileSink(opts.File.Path, log))
	}
	if opts.SharedMemory.Name != "" {
		sink, err := newShmSink(opts.SharedMemory.Name,
			opts.SharedMemory.SemaphoreName, opts.SharedMemory.Size, log)
		if err != nil {
			log.Error("shared memory sink disabled", zap.Error(err))
		} else {
			u.sinks = append(u.sinks, sink)
		}
	}
	if opts.ZeroMQ.Endpoint != "" {
		sink, err := newZmqSink(opts.ZeroMQ.Endpoint, opts.ZeroMQ.SendHWM, log)
		if err != nil {
			log.Error("zeromq sink disabled", zap.Error(err))
		} else {
			u.sinks = append(u.sinks, sink)
		}
	}

	u.AsyncBase = pipeline.NewAsyncBase(u, log, cfg.QueueSize)
	u.AsyncBase.SetHours(pipeline.HoursFromSlice(cfg.TurnedOnHours))
	log.Info("snapshot multiplexer configured",
		zap.Duration("refresh_interval", u.refreshInterval),
		zap.Int("sinks", len(u.sinks)))
	return u, nil
}

func (u *Multiplexer) Name() string { return "snapshot" }

// OnFrameReady encodes at most once per refresh interval, then publishes
// the same bytes to every sink in one pass.
func (u *Multiplexer) OnFrameReady(m gocv.Mat, ctx *frame.Context) {
	if m.Empty() || len(u.sinks) == 0 {
		return
	}
	now := time.Now()
	if !u.lastPublish.IsZero() && now.Sub(u.lastPublish) < u.refreshInterval {
		return
	}
	u.lastPublish = now

	jpeg, err := EncodeJPEG(m, u.quality)
	if err != nil {
		u.log.Error("encoding snapshot failed", zap.Error(err))
		return
	}
	if u.annotateCPU {
		jpeg = annotate.JPEG(jpeg, ctx)
	}

	for _, sink := range u.sinks {
		if err := sink.Publish(jpeg, ctx); err != nil {
			u.log.Error("publishing snapshot failed", zap.Error(err))
		}
	}
}

// Stop drains the queue, then closes every sink.
func (u *Multiplexer) Stop() {
	u.AsyncBase.Stop()
	for _, sink := range u.sinks {
		if err := sink.Close(); err != nil {
			u.log.Error("closing snapshot sink failed", zap.Error(err))
		}
	}
}

// EncodeJPEG encodes a BGR matrix to JPEG bytes at the given quality.
func EncodeJPEG(m gocv.Mat, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, m,
		[]int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, err
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}
