// Package builder turns the declarative pipeline configuration of a device
// into an executor with constructed units.
package builder

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"vigil/internal/config"
	"vigil/internal/detect"
	"vigil/internal/hooks"
	"vigil/internal/mqttpub"
	"vigil/internal/notify"
	"vigil/internal/pipeline"
	"vigil/internal/recorder"
	"vigil/internal/snapshot"
	"vigil/internal/store"
	"vigil/internal/units"
	"vigil/internal/web"
	"vigil/internal/ws"
)

// Deps carries the shared collaborators units may need.
type Deps struct {
	Log    *zap.Logger
	Web    *web.Server
	Hub    *ws.Hub
	Events *store.Store
	Runner *hooks.Runner

	// WriterFactory defaults to the OpenCV-backed writer; tests swap it.
	WriterFactory recorder.WriterFactory
}

func (d Deps) writerFactory() recorder.WriterFactory {
	if d.WriterFactory != nil {
		return d.WriterFactory
	}
	return recorder.OpenVideoWriter
}

// Build constructs the executor for one device. Unknown unit types are
// logged and skipped; a unit whose initialisation fails is dropped and the
// rest of the pipeline continues.
func Build(deviceName string, entries []config.UnitConfig, deps Deps) *pipeline.Executor {
	log := deps.Log.With(zap.String("device", deviceName))
	exec := pipeline.NewExecutor(log)
	addAll(exec, entries, deps, log)
	return exec
}

func addAll(exec *pipeline.Executor, entries []config.UnitConfig, deps Deps, log *zap.Logger) {
	for i, entry := range entries {
		unit, err := construct(entry, deps, log.With(zap.String("unit", entry.Type)))
		if err != nil {
			log.Warn("processing unit dropped",
				zap.Int("idx", i), zap.String("type", entry.Type), zap.Error(err))
			continue
		}
		if unit == nil {
			log.Warn("unrecognized pipeline unit type",
				zap.Int("idx", i), zap.String("type", entry.Type))
			continue
		}
		exec.Add(unit, pipeline.HoursFromSlice(entry.TurnedOnHours))
	}
}

// construct returns (nil, nil) for unknown types.
func construct(entry config.UnitConfig, deps Deps, log *zap.Logger) (pipeline.Unit, error) {
	switch entry.Type {
	case "rotateFlip":
		return units.NewRotateFlip(entry, log)
	case "cropFrame":
		return units.NewCrop(entry, log)
	case "resizeFrame":
		return units.NewResize(entry, log)
	case "collectStats":
		return units.NewCollectStats(entry, log)
	case "controlFps":
		return units.NewControlFPS(entry, log)
	case "measureLatency":
		return units.NewMeasureLatency(entry, log)
	case "detectObjects":
		return detect.NewYOLO(entry, log)
	case "objectPrune":
		return units.NewObjectPrune(entry, log)
	case "detectFaces":
		return detect.NewYuNet(entry, log)
	case "recognizeFaces":
		return detect.NewSFace(entry, log)
	case "overlayBoxes":
		return units.NewOverlayBoxes(entry, log)
	case "overlayLandmarks":
		return units.NewOverlayLandmarks(entry, log)
	case "overlayFaceIdentity":
		return units.NewOverlayFaceIdentity(entry, log)
	case "overlayInfo":
		return units.NewOverlayInfo(entry, log)
	case "autoZoom":
		return units.NewAutoZoom(entry, log)
	case "debugOutput":
		return units.NewDebugOutput(entry, log)
	case "broadcastDetections":
		return units.NewBroadcastDetections(entry, deps.Hub, log)
	case "publishMqtt":
		return mqttpub.NewPublisher(entry, log)
	case "videoWriter":
		return recorder.New(entry, deps.writerFactory(), deps.Runner, deps.Events, log)
	case "snapshot":
		return snapshot.New(entry, deps.Web, log)
	case "matrixNotifier":
		return notify.New(entry, deps.writerFactory(), deps.Events, log)
	case "asyncGroup":
		return buildNested(entry, deps, log)
	default:
		return nil, nil
	}
}

// buildNested wraps an inner pipeline behind its own queue and worker.
func buildNested(entry config.UnitConfig, deps Deps, log *zap.Logger) (pipeline.Unit, error) {
	var opts struct {
		Pipeline []config.UnitConfig `json:"pipeline"`
	}
	if err := json.Unmarshal(entry.Raw, &opts); err != nil {
		return nil, fmt.Errorf("decoding nested pipeline: %w", err)
	}
	if len(opts.Pipeline) == 0 {
		return nil, fmt.Errorf("nested unit declares no pipeline")
	}
	inner := pipeline.NewExecutor(log)
	addAll(inner, opts.Pipeline, deps, log)
	return pipeline.NewNestedUnit("asyncGroup", inner, log, entry.QueueSize), nil
}
