package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripLineComments(t *testing.T) {
	in := []byte("{\n  // a comment\n  \"a\": 1\n}")
	assert.JSONEq(t, `{"a":1}`, string(StripComments(in)))
}

func TestStripBlockComments(t *testing.T) {
	in := []byte(`{"a": /* inline */ 1, "b": 2}`)
	assert.JSONEq(t, `{"a":1,"b":2}`, string(StripComments(in)))
}

func TestStripLeavesStringsAlone(t *testing.T) {
	in := []byte(`{"url": "rtsp://cam/stream", "note": "a // not a comment /* either */"}`)
	out := StripComments(in)
	assert.JSONEq(t,
		`{"url": "rtsp://cam/stream", "note": "a // not a comment /* either */"}`,
		string(out))
}

func TestStripHandlesEscapedQuotes(t *testing.T) {
	in := []byte(`{"s": "he said \"hi\" // still string"}`)
	assert.JSONEq(t, `{"s": "he said \"hi\" // still string"}`, string(StripComments(in)))
}

const sampleConfig = `{
  // global options
  "devices": [
    {
      "name": "front-door",
      "uri": "rtsp://10.0.0.2/stream1",
      "expectedFrameSize": {"width": 1920, "height": 1080},
      "pipeline": [
        {"type": "collectStats", "changeRate": {"thresholdPerPixel": 30}},
        {"type": "videoWriter", "turnedOnHours": [
          true,true,true,true,true,true,true,true,true,true,true,true,
          true,true,true,true,true,true,true,true,true,true,true,false],
         "filePath": "/rec/{timestamp}.mp4", "queueSize": 256}
      ]
    }
  ],
  "httpService": {"interface": "0.0.0.0", "port": 54321, "username": "u", "password": "p"},
  "eventStore": {"path": "/var/lib/vigil/vigil.db"}
}`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vigil.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadParsesTypedTree(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	require.Len(t, cfg.Devices, 1)
	dev := cfg.Devices[0]
	assert.Equal(t, "front-door", dev.Name)
	assert.Equal(t, 1920, dev.ExpectedFrameSize.Width)
	require.Len(t, dev.Pipeline, 2)

	assert.Equal(t, "collectStats", dev.Pipeline[0].Type)
	assert.Nil(t, dev.Pipeline[0].TurnedOnHours)

	vw := dev.Pipeline[1]
	assert.Equal(t, "videoWriter", vw.Type)
	assert.Len(t, vw.TurnedOnHours, 24)
	assert.False(t, vw.TurnedOnHours[23])
	assert.Equal(t, 256, vw.QueueSize)

	assert.Equal(t, 54321, cfg.HTTPService.Port)
	assert.Equal(t, "/var/lib/vigil/vigil.db", cfg.EventStore.Path)
}

func TestUnitOptionsDecodeFromRaw(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	var opts struct {
		FilePath string `json:"filePath"`
	}
	require.NoError(t, cfg.Devices[0].Pipeline[1].Options(&opts))
	assert.Equal(t, "/rec/{timestamp}.mp4", opts.FilePath)
}

func TestLoadRejectsMissingDevices(t *testing.T) {
	_, err := Load(writeConfig(t, `{"devices": []}`))
	assert.Error(t, err)
}

func TestLoadRejectsDeviceWithoutURI(t *testing.T) {
	_, err := Load(writeConfig(t, `{"devices": [
		{"name": "x", "expectedFrameSize": {"width": 640, "height": 480}}]}`))
	assert.Error(t, err)
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	_, err := Load(writeConfig(t, `{"devices": [}`))
	assert.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.jsonc"))
	assert.Error(t, err)
}
