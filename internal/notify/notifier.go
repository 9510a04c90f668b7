package notify

import (
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"vigil/internal/config"
	"vigil/internal/frame"
	"vigil/internal/pipeline"
	"vigil/internal/recorder"
	"vigil/internal/snapshot"
	"vigil/internal/store"
)

type videoState int

const (
	videoIdle videoState = iota
	videoRecording
)

// Notifier is the asynchronous Matrix unit. On interesting person
// detections it sends throttled JPEG messages and segmented H.264 clips
// with a chosen thumbnail to the configured room.
type Notifier struct {
	*pipeline.AsyncBase

	log     *zap.Logger
	client  *Client
	factory recorder.WriterFactory
	events  *store.Store

	sendImage     bool
	sendVideo     bool
	imageInterval uint64
	videoMaxLen   time.Duration
	videoIdleMax  time.Duration
	targetFPS     float64
	jpegQuality   int

	state                  videoState
	writer                 recorder.VideoWriter
	videoPath              string
	videoStart             time.Time
	withoutDetectionSince  time.Time
	maxROIScore            float64
	maxROIFrame            gocv.Mat
	hasMaxROIFrame         bool
}

type notifierOptions struct {
	MatrixHomeServer string `json:"matrixHomeServer"`
	MatrixRoomID     string `json:"matrixRoomId"`
	MatrixAccessToken string `json:"matrixAccessToken"`

	NotificationIntervalFrame uint64 `json:"notificationIntervalFrame"`
	IsSendImageEnabled        *bool  `json:"isSendImageEnabled"`
	IsSendVideoEnabled        *bool  `json:"isSendVideoEnabled"`
	VideoMaxLengthInSeconds   int    `json:"videoMaxLengthInSeconds"`
	VideoMaxLengthWithoutPeopleDetectedInSeconds int `json:"videoMaxLengthWithoutPeopleDetectedInSeconds"`
	TargetFps               float64 `json:"targetFps"`
	JPEGQuality             int     `json:"jpegQuality"`
	TestMatrixConnectivity  bool    `json:"testMatrixConnectivity"`
}

// New builds the notifier; missing credentials fail construction so the
// unit is dropped. events may be nil.
func New(cfg config.UnitConfig, factory recorder.WriterFactory,
	events *store.Store, log *zap.Logger) (*Notifier, error) {

	opts := notifierOptions{
		NotificationIntervalFrame: 60,
		VideoMaxLengthInSeconds:   30,
		VideoMaxLengthWithoutPeopleDetectedInSeconds: 5,
		TargetFps:   15,
		JPEGQuality: 90,
	}
	if err := cfg.Options(&opts); err != nil {
		return nil, err
	}
	client, err := NewClient(opts.MatrixHomeServer, opts.MatrixAccessToken, opts.MatrixRoomID)
	if err != nil {
		return nil, err
	}

	n := &Notifier{
		log:           log,
		client:        client,
		factory:       factory,
		events:        events,
		sendImage:     true,
		sendVideo:     true,
		imageInterval: opts.NotificationIntervalFrame,
		videoMaxLen:   time.Duration(opts.VideoMaxLengthInSeconds) * time.Second,
		videoIdleMax: time.Duration(
			opts.VideoMaxLengthWithoutPeopleDetectedInSeconds) * time.Second,
		targetFPS:   opts.TargetFps,
		jpegQuality: opts.JPEGQuality,
	}
	if opts.IsSendImageEnabled != nil {
		n.sendImage = *opts.IsSendImageEnabled
	}
	if opts.IsSendVideoEnabled != nil {
		n.sendVideo = *opts.IsSendVideoEnabled
	}
	if n.imageInterval == 0 {
		n.imageInterval = 1
	}
	n.AsyncBase = pipeline.NewAsyncBase(n, log, cfg.QueueSize)
	n.AsyncBase.SetHours(pipeline.HoursFromSlice(cfg.TurnedOnHours))

	log.Info("matrix notifier configured",
		zap.String("home_server", opts.MatrixHomeServer),
		zap.String("room_id", opts.MatrixRoomID),
		zap.Uint64("notification_interval_frame", n.imageInterval),
		zap.Bool("send_image", n.sendImage), zap.Bool("send_video", n.sendVideo))

	if opts.TestMatrixConnectivity {
		if err := client.SendText("MatrixPipeline started"); err != nil {
			log.Warn("matrix connectivity test failed", zap.Error(err))
		}
	}
	return n, nil
}

func (n *Notifier) Name() string { return "matrixNotifier" }

// OnFrameReady runs both delivery paths on the unit's worker.
func (n *Notifier) OnFrameReady(m gocv.Mat, ctx *frame.Context) {
	if m.Empty() {
		return
	}
	peopleDetected := len(ctx.InterestingPersonBoxes()) > 0
	n.handleImage(m, ctx, peopleDetected)
	n.handleVideo(m, ctx, peopleDetected)
}

func (n *Notifier) handleImage(m gocv.Mat, ctx *frame.Context, peopleDetected bool) {
	if !n.sendImage || !peopleDetected {
		return
	}
	if ctx.FrameSeqNum%n.imageInterval != 0 {
		return
	}
	jpeg, err := snapshot.EncodeJPEG(m, n.jpegQuality)
	if err != nil {
		n.log.Error("encoding notification image failed", zap.Error(err))
		return
	}
	caption := time.Now().Format("2006-01-02T15:04:05") + ".jpg"
	if err := n.client.SendJPEG(jpeg, m.Cols(), m.Rows(), caption); err != nil {
		n.log.Error("sending notification image failed", zap.Error(err))
		return
	}
	n.recordNotification(ctx, "image")
}

func (n *Notifier) handleVideo(m gocv.Mat, ctx *frame.Context, peopleDetected bool) {
	if !n.sendVideo {
		return
	}
	if !peopleDetected && n.state == videoIdle {
		return
	}

	if n.state == videoIdle && !n.openVideo(m) {
		return
	}

	now := time.Now()
	maxReached := now.Sub(n.videoStart) >= n.videoMaxLen
	idleReached := now.Sub(n.withoutDetectionSince) >= n.videoIdleMax
	if maxReached || idleReached {
		n.closeAndUpload(ctx, maxReached, idleReached)
		return
	}

	if score := roiScore(ctx); score > n.maxROIScore {
		if n.hasMaxROIFrame {
			n.maxROIFrame.Close()
		}
		n.maxROIFrame = m.Clone()
		n.hasMaxROIFrame = true
		n.maxROIScore = score
	}

	if err := n.writer.Write(m); err != nil {
		n.log.Error("writing notification video frame failed", zap.Error(err))
	}
	if peopleDetected {
		n.withoutDetectionSince = now
	}
}

func (n *Notifier) openVideo(m gocv.Mat) bool {
	n.videoPath = filepath.Join(os.TempDir(), "vigil_notify_"+uuid.NewString()+".mp4")
	writer, err := n.factory(n.videoPath, n.targetFPS, m.Cols(), m.Rows())
	if err != nil {
		// turn the video path off to avoid flooding the log
		n.log.Error("opening notification video writer failed, disabling video path",
			zap.String("path", n.videoPath), zap.Error(err))
		n.sendVideo = false
		os.Remove(n.videoPath)
		return false
	}
	n.writer = writer
	n.videoStart = time.Now()
	n.withoutDetectionSince = n.videoStart
	n.maxROIScore = -1
	n.state = videoRecording
	n.log.Info("notification video recording started", zap.String("path", n.videoPath))
	return true
}

func (n *Notifier) closeAndUpload(ctx *frame.Context, maxReached, idleReached bool) {
	if n.writer != nil {
		if err := n.writer.Close(); err != nil {
			n.log.Error("closing notification video writer failed", zap.Error(err))
		}
		n.writer = nil
	}
	n.state = videoIdle

	videoPath := n.videoPath
	durationMs := int(time.Since(n.videoStart).Milliseconds())

	var thumbnail []byte
	thumbW, thumbH := 0, 0
	if n.hasMaxROIFrame {
		var err error
		thumbnail, err = snapshot.EncodeJPEG(n.maxROIFrame, n.jpegQuality)
		if err != nil {
			n.log.Error("encoding thumbnail failed", zap.Error(err))
		}
		thumbW, thumbH = n.maxROIFrame.Cols(), n.maxROIFrame.Rows()
		n.maxROIFrame.Close()
		n.hasMaxROIFrame = false
	}

	deviceName := ctx.Device.Name
	go func() {
		// the temp file never outlives the upload attempt
		defer os.Remove(videoPath)

		video, err := os.ReadFile(videoPath)
		if err != nil {
			n.log.Error("reading notification video failed",
				zap.String("path", videoPath), zap.Error(err))
			return
		}
		n.log.Info("notification video recording stopped",
			zap.Bool("max_length_reached", maxReached),
			zap.Bool("idle_timeout_reached", idleReached),
			zap.Int("video_kb", len(video)/1024),
			zap.Int("thumbnail_kb", len(thumbnail)/1024),
			zap.Int("duration_ms", durationMs))

		caption := time.Now().Format("2006-01-02T15:04:05") + ".mp4"
		if err := n.client.SendVideo(video, caption, durationMs,
			thumbnail, thumbW, thumbH); err != nil {
			n.log.Error("sending notification video failed", zap.Error(err))
			return
		}
		if n.events != nil {
			n.events.SaveNotification(&store.NotificationRecord{
				ID:         uuid.NewString(),
				DeviceName: deviceName,
				Kind:       "video",
				SentAt:     time.Now(),
			})
		}
	}()
}

func (n *Notifier) recordNotification(ctx *frame.Context, kind string) {
	if n.events == nil {
		return
	}
	n.events.SaveNotification(&store.NotificationRecord{
		ID:         uuid.NewString(),
		DeviceName: ctx.Device.Name,
		Kind:       kind,
		SentAt:     time.Now(),
		Detections: len(ctx.InterestingPersonBoxes()),
	})
}

// roiScore sums area x confidence x sqrt(kept-count) over interesting
// person detections, favouring frames with close, confident subjects.
func roiScore(ctx *frame.Context) float64 {
	var score float64
	countFactor := math.Sqrt(float64(len(ctx.Yolo.Indices)))
	for _, idx := range ctx.Yolo.Indices {
		if idx < 0 || idx >= len(ctx.Yolo.Boxes) {
			continue
		}
		if ctx.Yolo.ClassIDs[idx] != 0 {
			continue
		}
		if idx < len(ctx.Yolo.Interesting) && !ctx.Yolo.Interesting[idx] {
			continue
		}
		box := ctx.Yolo.Boxes[idx]
		score += float64(box.Dx()*box.Dy()) *
			float64(ctx.Yolo.Confidences[idx]) * countFactor
	}
	return score
}

// Stop drains the worker and abandons any in-flight clip.
func (n *Notifier) Stop() {
	n.AsyncBase.Stop()
	if n.writer != nil {
		n.writer.Close()
		n.writer = nil
		os.Remove(n.videoPath)
	}
	if n.hasMaxROIFrame {
		n.maxROIFrame.Close()
		n.hasMaxROIFrame = false
	}
}
