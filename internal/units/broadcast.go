package units

import (
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"vigil/internal/config"
	"vigil/internal/detect"
	"vigil/internal/frame"
	"vigil/internal/pipeline"
	"vigil/internal/ws"
)

// BroadcastDetections pushes per-frame detection metadata to the WebSocket
// hub so UI clients can render boxes without pulling the MJPEG stream.
type BroadcastDetections struct {
	log *zap.Logger
	hub *ws.Hub
}

func NewBroadcastDetections(_ config.UnitConfig, hub *ws.Hub, log *zap.Logger) (*BroadcastDetections, error) {
	return &BroadcastDetections{log: log, hub: hub}, nil
}

func (u *BroadcastDetections) Name() string { return "broadcastDetections" }

func (u *BroadcastDetections) Process(_ *gocv.Mat, ctx *frame.Context) pipeline.Result {
	if u.hub == nil || !u.hub.HasClients(ctx.Device.Name) {
		return pipeline.SuccessContinue
	}
	msg := &ws.DetectionMessage{
		Device:      ctx.Device.Name,
		FrameSeqNum: ctx.FrameSeqNum,
		UnixTimeMs:  ctx.CaptureTimestamp.UnixMilli(),
		ChangeRate:  ctx.ChangeRate,
		FPS:         ctx.FPS,
	}
	for _, idx := range ctx.Yolo.Indices {
		if idx < 0 || idx >= len(ctx.Yolo.Boxes) {
			continue
		}
		box := ctx.Yolo.Boxes[idx]
		msg.Boxes = append(msg.Boxes, ws.Box{
			Class:       detect.ClassName(ctx.Yolo.ClassIDs[idx]),
			Confidence:  ctx.Yolo.Confidences[idx],
			X:           box.Min.X,
			Y:           box.Min.Y,
			W:           box.Dx(),
			H:           box.Dy(),
			Interesting: idx < len(ctx.Yolo.Interesting) && ctx.Yolo.Interesting[idx],
		})
	}
	for i, face := range ctx.Yunet {
		f := ws.Face{
			X: face.Box.Min.X, Y: face.Box.Min.Y,
			W: face.Box.Dx(), H: face.Box.Dy(),
		}
		if i < len(ctx.Sface) {
			f.Identity = ctx.Sface[i].Identity
			f.Similarity = ctx.Sface[i].Similarity
		}
		msg.Faces = append(msg.Faces, f)
	}
	u.hub.Broadcast(msg)
	return pipeline.SuccessContinue
}
