package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/ISF-H-BRS/ReDeX-sub001/internal/events"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/logging"
)

const (
	exchangeTypeTopic = "topic"
	durable           = true
	deleteWhenUnused  = false
	internal          = false
	noWait            = false
	mandatory         = false
	immediate         = false
)

type AMQPConfig struct {
	URL        string        `yaml:"url"`
	Exchange   string        `yaml:"exchange"`
	ConnectMax time.Duration `yaml:"connect_max"` // give up connecting after this long
}

// channel is the part of *amqp.Channel the sink uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes persistent JSON messages to a topic exchange. Routing
// keys are "redex.<type>.<source>".
type AMQPSink struct {
	cfg AMQPConfig
	log *logrus.Entry

	mu   sync.Mutex
	conn *amqp.Connection
	ch   channel
}

// NewAMQPSink connects with exponential backoff and declares the exchange.
func NewAMQPSink(cfg AMQPConfig, log *logrus.Entry) (*AMQPSink, error) {
	s := newAMQPSink(nil, cfg, log)
	b := backoff.NewExponentialBackOff()
	if cfg.ConnectMax > 0 {
		b.MaxElapsedTime = cfg.ConnectMax
	}
	notify := func(err error, next time.Duration) {
		s.log.Warnf("amqp connect failed: %v (retry in %v)", err, next.Round(time.Millisecond))
	}
	if err := backoff.RetryNotify(s.connect, b, notify); err != nil {
		return nil, errors.Wrap(err, "amqp connect")
	}
	s.log.Infof("amqp connected, exchange %s", s.cfg.Exchange)
	return s, nil
}

func newAMQPSink(ch channel, cfg AMQPConfig, log *logrus.Entry) *AMQPSink {
	if log == nil {
		log = logging.Discard()
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "redex"
	}
	return &AMQPSink{cfg: cfg, log: log, ch: ch}
}

func (s *AMQPSink) connect() error {
	conn, err := amqp.Dial(s.cfg.URL)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	err = ch.ExchangeDeclare(s.cfg.Exchange, exchangeTypeTopic, durable, deleteWhenUnused, internal, noWait, nil)
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "declare exchange")
	}

	s.mu.Lock()
	s.conn, s.ch = conn, ch
	s.mu.Unlock()
	return nil
}

func (s *AMQPSink) Name() string { return "amqp" }

// RoutingKey returns the key an event is published with.
func RoutingKey(e events.Event) string {
	if e.Source == "" {
		return fmt.Sprintf("redex.%s", e.Type)
	}
	return fmt.Sprintf("redex.%s.%s", e.Type, e.Source)
}

func (s *AMQPSink) Publish(ctx context.Context, e events.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}

	s.mu.Lock()
	if s.conn != nil && s.conn.IsClosed() {
		s.mu.Unlock()
		s.log.Warn("amqp connection closed, reconnecting")
		if err := s.connect(); err != nil {
			return errors.Wrap(err, "amqp reconnect")
		}
		s.mu.Lock()
	}
	ch := s.ch
	s.mu.Unlock()

	err = ch.PublishWithContext(ctx, s.cfg.Exchange, RoutingKey(e), mandatory, immediate, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.UnixMilli(e.Stamp),
		Type:         string(e.Type),
		Body:         body,
	})
	if err != nil {
		return errors.Wrap(err, "amqp publish")
	}
	return nil
}

func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		s.ch.Close()
	}
	if s.conn != nil && !s.conn.IsClosed() {
		return s.conn.Close()
	}
	return nil
}
