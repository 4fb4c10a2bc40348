package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/furdarius/rabbitroutine"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const (
	RoutingKeySent   = "dispatch-sent"
	RoutingKeyFailed = "dispatch-failed"
)

// OutcomeMessage is the event published for each recipient of a reconciled batch
type OutcomeMessage struct {
	BatchID      string `json:"batch_id,omitempty"`
	Recipient    string `json:"recipient,omitempty"`
	MessageType  string `json:"message_type,omitempty"`
	TemplateName string `json:"template_name,omitempty"`
	Language     string `json:"language,omitempty"`
	ExternalID   string `json:"external_id,omitempty"`
	Status       string `json:"status,omitempty"`
	Reason       string `json:"reason,omitempty"`
	SentAt       string `json:"sent_at,omitempty"`
}

// NewOutcomeMessage creates a new outcome event for a single recipient result
func NewOutcomeMessage(batchID, recipient, messageType, templateName, language, externalID, status, reason string) OutcomeMessage {
	return OutcomeMessage{
		BatchID:      batchID,
		Recipient:    recipient,
		MessageType:  messageType,
		TemplateName: templateName,
		Language:     language,
		ExternalID:   externalID,
		Status:       status,
		Reason:       reason,
		SentAt:       time.Now().Format(time.RFC3339),
	}
}

// Client is the interface for the outcome event publisher
type Client interface {
	Publish(msg OutcomeMessage, routingKey string) error
	SendAsync(msg OutcomeMessage, routingKey string, pre func(), post func())
	Close() error
}

type rabbitmqClient struct {
	publisher    rabbitroutine.Publisher
	conn         *rabbitroutine.Connector
	exchangeName string
}

// NewRMQEventsClient creates a new outcome event publisher backed by RabbitMQ
func NewRMQEventsClient(url string, retryAttempts int, retryDelay int, exchangeName string) (Client, error) {
	cconn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	defer cconn.Close()

	ch, err := cconn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open a channel to rabbitmq")
	}
	defer ch.Close()

	conn := rabbitroutine.NewConnector(rabbitroutine.Config{
		ReconnectAttempts: 1000,
		Wait:              2 * time.Second,
	})

	conn.AddRetriedListener(func(r rabbitroutine.Retried) {
		logrus.Infof("try to connect to RabbitMQ: attempt=%d, error=\"%v\"",
			r.ReconnectAttempt, r.Error)
	})

	conn.AddDialedListener(func(_ rabbitroutine.Dialed) {
		logrus.Info("RabbitMQ connection successfully established")
	})

	conn.AddAMQPNotifiedListener(func(n rabbitroutine.AMQPNotified) {
		logrus.Errorf("RabbitMQ error received: %v", n.Error)
	})

	pool := rabbitroutine.NewPool(conn)
	ensurePub := rabbitroutine.NewEnsurePublisher(pool)
	pub := rabbitroutine.NewRetryPublisher(
		ensurePub,
		rabbitroutine.PublishMaxAttemptsSetup(uint(retryAttempts)),
		rabbitroutine.PublishDelaySetup(
			rabbitroutine.LinearDelay(time.Duration(retryDelay)*time.Millisecond),
		),
	)

	go func() {
		err := conn.Dial(context.Background(), url)
		if err != nil {
			logrus.Error("failed to establish RabbitMQ connection")
		}
	}()

	return &rabbitmqClient{
		publisher:    pub,
		conn:         conn,
		exchangeName: exchangeName,
	}, nil
}

func (c *rabbitmqClient) Publish(msg OutcomeMessage, routingKey string) error {
	msgMarshalled, _ := json.Marshal(msg)
	ctx := context.Background()
	err := c.publisher.Publish(
		ctx,
		c.exchangeName,
		routingKey,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        msgMarshalled,
		},
	)
	if err != nil {
		return errors.Wrap(err, "failed to publish outcome event")
	}
	return nil
}

func (c *rabbitmqClient) SendAsync(msg OutcomeMessage, routingKey string, pre func(), post func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logrus.Error(fmt.Sprintf("Recovering from: %v", r))
			}
		}()
		if pre != nil {
			pre()
		}
		err := c.Publish(msg, routingKey)
		if err != nil {
			logrus.WithError(err).Error("fail to publish outcome event")
		}
		if post != nil {
			post()
		}
	}()
}

func (c *rabbitmqClient) Close() error {
	return nil
}
