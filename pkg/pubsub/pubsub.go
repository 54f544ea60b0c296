// Package pubsub carries publisher notifications over NATS, so the
// site, the runner and other janitor services hear about publishes and
// merge proposal changes as they happen.
package pubsub

import (
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// Topics. Everything published is JSON.
const (
	// TopicPublish carries one message per publish attempt, successful
	// or not.
	TopicPublish = "janitor.publish"
	// TopicMergeProposal carries merge proposal status changes.
	TopicMergeProposal = "janitor.merge-proposal"
	// TopicPublishStatus carries run publish_status changes from the
	// review process; the publisher listens and reconsiders the run.
	TopicPublishStatus = "janitor.publish-status"
)

// Publisher is the sending half of the bus.
type Publisher interface {
	Publish(topic string, msg interface{}) error
}

// Bus is a NATS-backed Publisher with subscriptions.
type Bus struct {
	raw *nats.Conn
	enc *nats.EncodedConn
}

// Connect dials NATS. Reconnection is left to the client library, with
// no attempt cap, since the bus is advisory: the store remains the
// source of truth.
func Connect(url string) (*Bus, error) {
	conn, err := nats.Connect(url, nats.MaxReconnects(-1))
	if err != nil {
		return nil, errors.Wrap(err, "connecting to NATS")
	}
	enc, err := nats.NewEncodedConn(conn, nats.JSON_ENCODER)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "wrapping NATS connection")
	}
	return &Bus{raw: conn, enc: enc}, nil
}

func (b *Bus) Publish(topic string, msg interface{}) error {
	return b.enc.Publish(topic, msg)
}

// Subscribe delivers every message on topic to handler as raw JSON.
// Close the returned subscription to stop.
func (b *Bus) Subscribe(topic string, handler func([]byte)) (*nats.Subscription, error) {
	return b.raw.Subscribe(topic, func(m *nats.Msg) {
		handler(m.Data)
	})
}

func (b *Bus) Close() {
	b.enc.Close()
}

// NopPublisher drops everything. Used when the daemon runs without a
// bus, and in tests.
type NopPublisher struct{}

func (NopPublisher) Publish(string, interface{}) error { return nil }
