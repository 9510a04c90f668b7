package snapshot

import (
	"fmt"
	"time"

	"github.com/pebbe/zmq4"
	"go.uber.org/zap"

	"vigil/internal/frame"
)

// zmqSink publishes each snapshot as one framed protobuf record on a PUB
// socket. The send high-water mark sheds frames when consumers fall behind.
type zmqSink struct {
	log    *zap.Logger
	socket *zmq4.Socket
}

func newZmqSink(endpoint string, sendHWM int, log *zap.Logger) (*zmqSink, error) {
	socket, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return nil, fmt.Errorf("creating PUB socket: %w", err)
	}
	if sendHWM > 0 {
		if err := socket.SetSndhwm(sendHWM); err != nil {
			socket.Close()
			return nil, fmt.Errorf("setting send HWM: %w", err)
		}
	}
	if err := socket.Bind(endpoint); err != nil {
		socket.Close()
		return nil, fmt.Errorf("binding PUB socket to %s: %w", endpoint, err)
	}
	log.Info("zeromq snapshot sink enabled",
		zap.String("endpoint", endpoint), zap.Int("send_hwm", sendHWM))
	return &zmqSink{log: log, socket: socket}, nil
}

func (s *zmqSink) Publish(jpeg []byte, _ *frame.Context) error {
	record := Record{
		UnixEpochNs: time.Now().UnixNano(),
		Payload:     jpeg,
	}
	if _, err := s.socket.SendBytes(record.Marshal(), zmq4.DONTWAIT); err != nil {
		return fmt.Errorf("sending snapshot record: %w", err)
	}
	return nil
}

func (s *zmqSink) Close() error {
	return s.socket.Close()
}
