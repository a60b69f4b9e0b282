// Package mqttout is a delivery module that announces frames on an MQTT
// broker: a JSON metadata message per frame and, optionally, the JPEG itself.
package mqttout

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tphakala/framecast/internal/errors"
	"github.com/tphakala/framecast/internal/host"
	"github.com/tphakala/framecast/internal/logger"
	"github.com/tphakala/framecast/internal/modules"
	"github.com/tphakala/framecast/internal/mqtt"
	"github.com/tphakala/framecast/internal/privacy"
	"github.com/tphakala/framecast/internal/secrets"
)

// Name is the module name used on the command line.
const Name = "mqtt"

func init() {
	host.Register(host.RoleDelivery, Name, "publish frame metadata and images to MQTT", New)
}

// clientFactory builds the broker client; tests replace it.
type clientFactory func(cfg mqtt.Config, metrics *mqtt.Metrics, log logger.Logger) (mqtt.Client, error)

// FrameInfo is the JSON message published for each frame.
type FrameInfo struct {
	Output     string    `json:"output"`
	Generation uint64    `json:"generation"`
	Size       int       `json:"size"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher is the MQTT delivery module.
type Publisher struct {
	id         string
	topic      string
	withImage  bool
	every      uint64
	newClient  clientFactory
	client     mqtt.Client
	source     host.Source
	state      *host.State
	log        logger.Logger
	worker     modules.Worker
	connectMax time.Duration

	seen      atomic.Uint64
	published atomic.Uint64
	skipped   atomic.Uint64
}

// New returns an uninitialized MQTT delivery module.
func New() host.Module { return &Publisher{} }

func (m *Publisher) Init(p host.Params) error {
	defaults := mqtt.DefaultConfig()
	fs := modules.NewFlagSet(Name)
	broker := fs.StringP("broker", "b", "", "broker URL, e.g. tcp://localhost:1883 (required)")
	topic := fs.StringP("topic", "t", "framecast", "topic prefix")
	clientID := fs.String("client-id", "", "client id, random when empty")
	user := fs.String("user", "", "broker user")
	password := fs.String("password", "", "broker password, ${VAR} or file:/path")
	qos := fs.Uint8("qos", 0, "quality of service 0, 1 or 2")
	retain := fs.Bool("retain", false, "ask the broker to retain the last message")
	image := fs.Bool("image", false, "also publish the JPEG to <topic>/image")
	every := fs.Uint64P("every", "n", 1, "publish every Nth frame")
	cooldown := fs.Duration("reconnect", defaults.ReconnectCooldown, "minimum time between connection attempts")
	if err := modules.ParseFlags(fs, p); err != nil {
		return err
	}

	if *broker == "" {
		return modules.InvalidArgument(Name, "--broker is required")
	}
	if *qos > 2 {
		return modules.InvalidArgument(Name, "qos %d out of range 0-2", *qos)
	}
	if *every == 0 {
		return modules.InvalidArgument(Name, "--every must be at least 1")
	}
	*topic = strings.TrimSuffix(*topic, "/")
	if *topic == "" || strings.ContainsAny(*topic, "+#") {
		return modules.InvalidArgument(Name, "topic %q is not a valid publish topic", *topic)
	}
	if *clientID == "" {
		*clientID = "framecast-" + uuid.NewString()[:8]
	}

	secret, err := secrets.Resolve(*password)
	if err != nil {
		return err
	}

	cfg := defaults
	cfg.Broker, cfg.ClientID = *broker, *clientID
	cfg.Username, cfg.Password = *user, secret
	cfg.QoS, cfg.Retain = *qos, *retain
	cfg.ReconnectCooldown = *cooldown

	metrics, err := mqtt.NewMetrics(p.State.Metrics().Registry())
	if err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return err
		}
		// another mqtt output owns the exported collectors
		metrics, _ = mqtt.NewMetrics(nil)
	}

	if m.newClient == nil {
		m.newClient = mqtt.NewClient
	}
	client, err := m.newClient(cfg, metrics, p.Logger.Module("client"))
	if err != nil {
		return err
	}

	m.id = p.Name + "#" + fmt.Sprint(p.Index)
	m.topic, m.withImage, m.every = *topic, *image, *every
	m.client = client
	m.connectMax = cfg.ConnectTimeout
	m.source, m.state = p.Source, p.State
	m.log = p.Logger.With(logger.String("broker", privacy.RedactURL(cfg.Broker)))
	return nil
}

func (m *Publisher) Run() error {
	m.worker.Start(m.state.Context(), func(ctx context.Context) {
		m.connect(ctx)
		_ = modules.Consume(ctx, m.source, func(f host.Frame) error {
			if (m.seen.Add(1)-1)%m.every != 0 {
				return nil
			}
			m.publish(ctx, f)
			return nil
		})
	})
	return nil
}

func (m *Publisher) Stop() error {
	m.worker.Stop()
	m.client.Disconnect()
	return nil
}

// Cmd accepts "status".
func (m *Publisher) Cmd(payload string) (string, error) {
	if strings.TrimSpace(payload) != "status" {
		return "", modules.InvalidArgument(Name, "unknown command %q", payload)
	}
	return fmt.Sprintf("connected=%t published=%d skipped=%d",
		m.client.IsConnected(), m.published.Load(), m.skipped.Load()), nil
}

func (m *Publisher) connect(ctx context.Context) bool {
	if m.client.IsConnected() {
		return true
	}
	cctx, cancel := context.WithTimeout(ctx, m.connectMax)
	defer cancel()
	if err := m.client.Connect(cctx); err != nil {
		if ctx.Err() == nil {
			m.log.Warn("mqtt connect failed", logger.Error(err))
		}
		return false
	}
	m.log.Info("connected to mqtt broker")
	return true
}

// publish sends the metadata and, when enabled, the image. Frames are
// skipped while the broker is unreachable.
func (m *Publisher) publish(ctx context.Context, f host.Frame) {
	if !m.connect(ctx) {
		m.skipped.Add(1)
		return
	}

	info, err := json.Marshal(FrameInfo{
		Output:     m.id,
		Generation: f.Generation,
		Size:       len(f.Data),
		Timestamp:  f.Timestamp,
	})
	if err != nil {
		m.log.Error("encode frame info", logger.Error(err))
		return
	}
	if err := m.client.Publish(ctx, m.topic+"/frame", info); err != nil {
		m.skipped.Add(1)
		m.log.Warn("mqtt publish failed", logger.Error(err))
		return
	}
	if m.withImage {
		if err := m.client.Publish(ctx, m.topic+"/image", f.Data); err != nil {
			m.skipped.Add(1)
			m.log.Warn("mqtt image publish failed", logger.Error(err))
			return
		}
	}
	m.published.Add(1)
}
