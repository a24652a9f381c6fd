// Package telemetry ingests driver location pings published over MQTT.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"fleetdispatch/internal/eta"
	"fleetdispatch/internal/model"
)

// Config defines the MQTT connection. An empty Broker disables the subscriber.
type Config struct {
	Broker   string `json:"broker"`
	ClientID string `json:"client_id"`
	Username string `json:"username"`
	Password string `json:"password"`
	// Topic must contain a single-level wildcard standing for the driver id.
	Topic string `json:"topic"`
	QoS   byte   `json:"qos"`
}

func (c *Config) SetDefaults() {
	if c.ClientID == "" {
		c.ClientID = "dispatchd"
	}
	if c.Topic == "" {
		c.Topic = "fleet/drivers/+/location"
	}
	if c.QoS == 0 {
		c.QoS = 1
	}
}

func (c Config) Validate() error {
	if c.Broker == "" {
		return nil
	}
	if strings.Count(c.Topic, "+") != 1 {
		return fmt.Errorf("mqtt.topic %q needs exactly one + wildcard for the driver id: %w", c.Topic, model.ErrInvalidInput)
	}
	if c.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2: %w", model.ErrInvalidInput)
	}
	return nil
}

func (c Config) Enabled() bool { return c.Broker != "" }

// Ingestor is satisfied by *dispatch.Service.
type Ingestor interface {
	IngestPing(ctx context.Context, p model.Ping, source string) (eta.Update, error)
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// payload is the message body on the location topic.
type payload struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
	Speed     *float64  `json:"speed,omitempty"`
}

type Subscriber struct {
	cfg    Config
	ingest Ingestor
	log    zerolog.Logger
	cli    pahoClient
	ctx    context.Context
}

func NewSubscriber(cfg Config, ingest Ingestor, log zerolog.Logger) *Subscriber {
	cfg.SetDefaults()
	return &Subscriber{cfg: cfg, ingest: ingest, log: log, ctx: context.Background()}
}

// Run connects, subscribes on every (re)connect and blocks until ctx ends.
func (s *Subscriber) Run(ctx context.Context) error {
	s.ctx = ctx
	opts := paho.NewClientOptions().AddBroker(s.cfg.Broker).SetClientID(s.cfg.ClientID)
	opts.AutoReconnect = true
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
	}
	if s.cfg.Password != "" {
		opts.SetPassword(s.cfg.Password)
	}
	opts.OnConnect = func(c paho.Client) {
		s.log.Info().Str("topic", s.cfg.Topic).Msg("mqtt connected")
		if token := c.Subscribe(s.cfg.Topic, s.cfg.QoS, s.onMessage); token.Wait() && token.Error() != nil {
			s.log.Error().Err(token.Error()).Msg("mqtt subscribe")
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		s.log.Warn().Err(err).Msg("mqtt connection lost")
	}
	s.cli = newMQTTClient(opts)
	if token := s.cli.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect %s: %w", s.cfg.Broker, token.Error())
	}
	<-ctx.Done()
	s.cli.Disconnect(250)
	return nil
}

func (s *Subscriber) onMessage(_ paho.Client, msg paho.Message) {
	s.handle(s.ctx, msg.Topic(), msg.Payload())
}

// handle decodes one message and feeds it to the ingestor. Bad messages are
// logged and dropped; MQTT has nobody to answer.
func (s *Subscriber) handle(ctx context.Context, topic string, body []byte) {
	driverID, ok := driverFromTopic(s.cfg.Topic, topic)
	if !ok {
		s.log.Warn().Str("topic", topic).Msg("unexpected topic")
		return
	}
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		s.log.Warn().Err(err).Str("driver_id", driverID).Msg("bad location payload")
		return
	}
	ping := model.Ping{DriverID: driverID, Lat: p.Lat, Lng: p.Lng, Timestamp: p.Timestamp, Speed: p.Speed}
	if _, err := s.ingest.IngestPing(ctx, ping, "mqtt"); err != nil {
		ev := s.log.Warn()
		if errors.Is(err, model.ErrStaleLocation) {
			ev = s.log.Debug()
		}
		ev.Err(err).Str("driver_id", driverID).Msg("ping ignored")
	}
}

// driverFromTopic extracts the segment matched by the + wildcard.
func driverFromTopic(pattern, topic string) (string, bool) {
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")
	if len(pp) != len(tp) {
		return "", false
	}
	id := ""
	for i := range pp {
		switch {
		case pp[i] == "+":
			id = tp[i]
		case pp[i] != tp[i]:
			return "", false
		}
	}
	return id, id != ""
}
