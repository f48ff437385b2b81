// Package logpub publishes events to the log when no broker is configured.
package logpub

import (
	"context"

	"github.com/sirupsen/logrus"
)

type Publisher struct {
	log logrus.FieldLogger
}

func NewPublisher(log logrus.FieldLogger) *Publisher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Publisher{log: log}
}

func (p *Publisher) Publish(_ context.Context, topic string, event any) error {
	p.log.WithFields(logrus.Fields{
		"topic": topic,
		"event": event,
	}).Info("event published")
	return nil
}

func (p *Publisher) Close() error { return nil }
