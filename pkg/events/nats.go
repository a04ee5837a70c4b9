package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSPublisher publishes events as JSON onto NATS subjects
// "<prefix>.<event type>".
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// ConnectNATS connects to the broker at url.
func ConnectNATS(url, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("tagtrace"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("events: nats connect: %w", err)
	}
	return &NATSPublisher{nc: nc, prefix: prefix}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.prefix+"."+evt.Type, data)
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() {
	_ = p.nc.Drain()
}
