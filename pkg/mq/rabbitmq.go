package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"sync-scheduler/pkg/connectivity"
	"sync-scheduler/pkg/report"
)

type Client struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	mu   sync.Mutex
	log  *slog.Logger
}

const (
	ReportsExchange = "sync.reports"
	DLXExchange     = "sync.reports.dlx"
	ReportsQueue    = "sync.reports.queue"
	DeadLetterQueue = "sync.reports.dead_letter.queue"
	// StatusExchange fans connectivity transitions out to any bound observer.
	StatusExchange = "sync.status"

	statusPublishTimeout = 2 * time.Second
)

func New(url string) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	return &Client{conn: conn, ch: ch, log: slog.Default().With("component", "mq")}, nil
}

// SetupTopology declares all necessary exchanges and queues. Idempotent.
func (c *Client) SetupTopology() error {
	// Reports are routed by kind
	if err := c.ch.ExchangeDeclare(ReportsExchange, "direct", true, false, false, false, nil); err != nil {
		return err
	}
	// Dead-letter exchange
	if err := c.ch.ExchangeDeclare(DLXExchange, "fanout", true, false, false, false, nil); err != nil {
		return err
	}
	if err := c.ch.ExchangeDeclare(StatusExchange, "fanout", false, false, false, false, nil); err != nil {
		return err
	}

	// Dead-letter queue
	if _, err := c.ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return err
	}
	if err := c.ch.QueueBind(DeadLetterQueue, "", DLXExchange, false, nil); err != nil {
		return err
	}

	// Rejected reports go to the DLX
	if _, err := c.ch.QueueDeclare(ReportsQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": DLXExchange,
	}); err != nil {
		return err
	}
	for _, kind := range []report.Kind{report.KindFailure, report.KindInvalidArgument} {
		if err := c.ch.QueueBind(ReportsQueue, string(kind), ReportsExchange, false, nil); err != nil {
			return err
		}
	}
	return nil
}

func reportPublishing(r report.Report) (amqp.Publishing, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode report: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    r.ID.String(),
		Timestamp:    r.At,
		Type:         string(r.Kind),
		Body:         body,
	}, nil
}

// Publish sends an already encoded message. The outbox relay uses it.
func (c *Client) Publish(ctx context.Context, exchange, routingKey, messageID string, body []byte) error {
	return c.publish(ctx, exchange, routingKey, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Body:         body,
	})
}

// Report implements report.Reporter by publishing r directly, without an outbox.
func (c *Client) Report(ctx context.Context, r report.Report) error {
	msg, err := reportPublishing(r)
	if err != nil {
		return err
	}
	return c.publish(ctx, ReportsExchange, string(r.Kind), msg)
}

// ConnectivityChanged implements connectivity.Observer. Failures are logged only: the status
// stream is informational.
func (c *Client) ConnectivityChanged(s connectivity.Snapshot) {
	body, err := json.Marshal(struct {
		State string    `json:"state"`
		At    time.Time `json:"at"`
	}{s.State.String(), s.LastTransitionAt})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), statusPublishTimeout)
	defer cancel()
	err = c.publish(ctx, StatusExchange, "", amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   s.LastTransitionAt,
		Body:        body,
	})
	if err != nil {
		c.log.Warn("failed to publish connectivity status", "state", s.State.String(), "error", err)
	}
}

func (c *Client) publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch.PublishWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		msg)
}

// DecodeReport reads a report published by Report or by the outbox relay.
func DecodeReport(d amqp.Delivery) (report.Report, error) {
	var r report.Report
	if err := json.Unmarshal(d.Body, &r); err != nil {
		return report.Report{}, fmt.Errorf("decode report %s: %w", d.MessageId, err)
	}
	return r, nil
}

// ConsumeReports starts a manually acked consumer on ReportsQueue. A nacked delivery is
// dead-lettered to DeadLetterQueue.
func (c *Client) ConsumeReports() (<-chan amqp.Delivery, error) {
	return c.ch.Consume(
		ReportsQueue,
		"",    // consumer
		false, // auto-ack is false. We will manually ack.
		false,
		false,
		false,
		nil,
	)
}

func (c *Client) Close() error {
	c.ch.Close()
	return c.conn.Close()
}
