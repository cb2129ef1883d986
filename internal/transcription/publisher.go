package transcription

import (
	"context"
	"encoding/json"

	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusPublisher publishes transcript segments as JSON on the bus.
type BusPublisher struct {
	conn    *nats.Conn
	subject string
}

func NewBusPublisher(conn *nats.Conn) *BusPublisher {
	return &BusPublisher{conn: conn, subject: protocol.SubjectTranscript}
}

func (p *BusPublisher) PublishTranscript(_ context.Context, seg protocol.TranscriptSegment) error {
	data, err := json.Marshal(seg)
	if err != nil {
		return err
	}
	return p.conn.Publish(p.subject, data)
}
