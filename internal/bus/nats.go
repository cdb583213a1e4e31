package bus

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher is a thin JSON publisher over a NATS connection. Alert events
// fan out through it so downstream consumers can subscribe without polling
// the HTTP API.
type Publisher struct {
	Conn *nats.Conn
}

// NewPublisher connects to the NATS server at url. Once established, the
// connection reconnects in the background indefinitely.
func NewPublisher(url string) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("pulsewatch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &Publisher{Conn: conn}, nil
}

// Publish marshals payload as JSON onto subject.
func (p *Publisher) Publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.Conn.Publish(subject, data)
}

// Close drains buffered messages before closing the connection.
func (p *Publisher) Close() {
	if p.Conn != nil {
		p.Conn.Drain()
		p.Conn.Close()
	}
}
