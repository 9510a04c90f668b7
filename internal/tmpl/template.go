// Package tmpl evaluates the placeholder tokens used in file paths, overlay
// text and external hook command lines.
//
// Supported tokens: {deviceName}, {deviceIndex}, {timestamp[:strftime]},
// {videoStartTime[:strftime]}, {timestampOnVideoStarts},
// {timestampOnDeviceOffline}, {changeRate}, {changeRatePct[:.Nf]},
// {fps[:.Nf]}. A %f inside a strftime format expands to the millisecond part
// of the timestamp.
package tmpl

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"

	"vigil/internal/frame"
)

const defaultTimeFormat = "%Y%m%d-%H%M%S"

var tokenRe = regexp.MustCompile(`\{([A-Za-z]+)(?::([^}]+))?\}`)

// Values carries everything a template may reference. Zero-value fields
// render as their natural zero ("", 0, 0.0).
type Values struct {
	DeviceName  string
	DeviceIndex int
	ChangeRate  float32
	FPS         float32

	// Timestamp backs {timestamp}; the zero value means "now".
	Timestamp time.Time

	// VideoStartTime backs {videoStartTime} and {timestampOnVideoStarts}.
	VideoStartTime time.Time

	// DeviceOfflineTime backs {timestampOnDeviceOffline}.
	DeviceOfflineTime time.Time
}

// FromContext builds template values from a pipeline context.
func FromContext(ctx *frame.Context) Values {
	v := Values{Timestamp: time.Now()}
	if ctx != nil {
		v.DeviceName = ctx.Device.Name
		v.DeviceIndex = ctx.Device.Index
		v.ChangeRate = ctx.ChangeRate
		v.FPS = ctx.FPS
	}
	return v
}

// Evaluate substitutes every known token in s. A string with no tokens is
// returned unchanged. Unknown tokens are left in place so a malformed
// template stays visible in the output rather than failing the caller.
func Evaluate(s string, v Values) string {
	if !strings.Contains(s, "{") {
		return s
	}
	ts := v.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return tokenRe.ReplaceAllStringFunc(s, func(match string) string {
		groups := tokenRe.FindStringSubmatch(match)
		name, arg := groups[1], groups[2]
		switch name {
		case "deviceName":
			return v.DeviceName
		case "deviceIndex":
			return fmt.Sprintf("%d", v.DeviceIndex)
		case "timestamp":
			return formatTime(ts, arg)
		case "videoStartTime", "timestampOnVideoStarts":
			return formatTime(nonZeroOr(v.VideoStartTime, ts), arg)
		case "timestampOnDeviceOffline":
			return formatTime(nonZeroOr(v.DeviceOfflineTime, ts), arg)
		case "changeRate":
			return formatFloat(v.ChangeRate, arg, "%g")
		case "changeRatePct":
			return formatFloat(v.ChangeRate*100, arg, "%.1f")
		case "fps":
			return formatFloat(v.FPS, arg, "%.1f")
		default:
			return match
		}
	})
}

func nonZeroOr(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}

func formatTime(t time.Time, format string) string {
	if format == "" {
		format = defaultTimeFormat
	}
	// strftime has no millisecond directive; expand %f before formatting.
	if strings.Contains(format, "%f") {
		ms := fmt.Sprintf("%03d", t.Nanosecond()/1e6)
		format = strings.ReplaceAll(format, "%f", ms)
	}
	return strftime.Format(format, t)
}

func formatFloat(f float32, arg, fallback string) string {
	verb := fallback
	if arg != "" {
		verb = "%" + arg
	}
	return fmt.Sprintf(verb, f)
}
