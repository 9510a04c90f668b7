// Package mqttpub publishes object-detection results to an MQTT broker
// over TLS.
package mqttpub

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"vigil/internal/config"
	"vigil/internal/frame"
	"vigil/internal/pipeline"
)

const brokerPort = 8883

// payloadBox is one detection box in the published JSON.
type payloadBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// payload is the JSON object published per frame that carries interesting
// person detections. Frames with no such boxes publish nothing.
type payload struct {
	UnixTimeMs int64        `json:"unix_time_ms"`
	Boxes      []payloadBox `json:"boxes"`
}

// Publisher is the synchronous unit that pushes detection boxes to the
// configured topic at QoS 2. Delivery is best-effort: publish errors are
// logged and the frame keeps flowing.
type Publisher struct {
	log    *zap.Logger
	client mqtt.Client
	topic  string
}

type publisherOptions struct {
	MQTTBrokerURL string `json:"mqttBrokerUrl"`
	MQTTUsername  string `json:"mqttUsername"`
	MQTTPassword  string `json:"mqttPassword"`
	MQTTCaFile    string `json:"mqttCaFile"`
	MQTTTopic     string `json:"mqttTopic"`
}

func NewPublisher(cfg config.UnitConfig, log *zap.Logger) (*Publisher, error) {
	var opts publisherOptions
	if err := cfg.Options(&opts); err != nil {
		return nil, err
	}
	for key, val := range map[string]string{
		"mqttBrokerUrl": opts.MQTTBrokerURL,
		"mqttUsername":  opts.MQTTUsername,
		"mqttPassword":  opts.MQTTPassword,
		"mqttCaFile":    opts.MQTTCaFile,
		"mqttTopic":     opts.MQTTTopic,
	} {
		if val == "" {
			return nil, fmt.Errorf("%s not defined", key)
		}
	}

	caPEM, err := os.ReadFile(opts.MQTTCaFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA file %s: %w", opts.MQTTCaFile, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no certificates parsed from %s", opts.MQTTCaFile)
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tls://%s:%d", opts.MQTTBrokerURL, brokerPort)).
		SetUsername(opts.MQTTUsername).
		SetPassword(opts.MQTTPassword).
		SetTLSConfig(&tls.Config{RootCAs: pool}).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Info("mqtt connected", zap.String("broker", opts.MQTTBrokerURL))
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn("mqtt connection lost", zap.Error(err))
		})

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		client.Disconnect(0)
		return nil, fmt.Errorf("connecting to mqtt broker %s: timed out", opts.MQTTBrokerURL)
	}
	if token.Error() != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("connecting to mqtt broker %s: %w",
			opts.MQTTBrokerURL, token.Error())
	}

	log.Info("mqtt publisher initialized",
		zap.String("broker", opts.MQTTBrokerURL), zap.String("topic", opts.MQTTTopic))
	return &Publisher{log: log, client: client, topic: opts.MQTTTopic}, nil
}

func (u *Publisher) Name() string { return "publishMqtt" }

func (u *Publisher) Process(_ *gocv.Mat, ctx *frame.Context) pipeline.Result {
	boxes := ctx.InterestingPersonBoxes()
	if len(boxes) == 0 {
		return pipeline.SuccessContinue
	}

	p := payload{UnixTimeMs: ctx.CaptureTimestamp.UnixMilli()}
	for _, box := range boxes {
		p.Boxes = append(p.Boxes, payloadBox{
			X: box.Min.X, Y: box.Min.Y, W: box.Dx(), H: box.Dy()})
	}
	data, err := json.Marshal(p)
	if err != nil {
		u.log.Error("marshaling mqtt payload failed", zap.Error(err))
		return pipeline.FailureContinue
	}

	token := u.client.Publish(u.topic, 2, false, data)
	go func() {
		if token.Wait() && token.Error() != nil {
			u.log.Error("mqtt publish failed", zap.Error(token.Error()))
		}
	}()
	return pipeline.SuccessContinue
}

// Close disconnects from the broker.
func (u *Publisher) Close() {
	u.client.Disconnect(250)
}
