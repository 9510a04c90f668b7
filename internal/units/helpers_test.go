package units

import "vigil/internal/frame"

func newEmptyContext() frame.Context {
	return frame.NewContext(frame.DeviceInfo{})
}
