package snapshot

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"vigil/internal/frame"
	"vigil/internal/tmpl"
)

// fileSink writes the JPEG to <path>.tmp and renames it over <path>, so a
// reader never observes a truncated file. Template tokens in the path are
// evaluated per publish.
type fileSink struct {
	log          *zap.Logger
	pathTemplate string
}

func newFileSink(pathTemplate string, log *zap.Logger) *fileSink {
	log.Info("file snapshot sink enabled", zap.String("path", pathTemplate))
	return &fileSink{log: log, pathTemplate: pathTemplate}
}

func (s *fileSink) Publish(jpeg []byte, ctx *frame.Context) error {
	path := tmpl.Evaluate(s.pathTemplate, tmpl.FromContext(ctx))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, jpeg, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	// rename is atomic on the same filesystem
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", tmp, path, err)
	}
	return nil
}

func (s *fileSink) Close() error { return nil }
