package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/brojonat/solverify/service/ledger"
	"github.com/brojonat/solverify/service/metrics"
)

// Publisher publishes purchase events.
type Publisher interface {
	// PublishPurchase publishes the record to "purchases.{target_address}".
	PublishPurchase(ctx context.Context, record ledger.SignedRecord) error

	// Close closes the connection to NATS.
	Close() error
}

const (
	// StreamName is the name of the JetStream stream for purchases.
	StreamName = "PURCHASES"

	// StreamSubjects is the subject pattern for the stream.
	StreamSubjects = "purchases.*"

	// StreamRetention is how long messages are retained (30 days by default).
	StreamRetention = 30 * 24 * time.Hour

	subjectPrefix = "purchases"
)

// Connect dials NATS and opens a JetStream context.
func Connect(natsURL, name string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return nc, js, nil
}

// JetStreamPublisher publishes purchase events to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPublisher connects to NATS and ensures the stream exists.
func NewPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*JetStreamPublisher, error) {
	nc, js, err := Connect(natsURL, "solverify-publisher")
	if err != nil {
		return nil, err
	}

	publisher := &JetStreamPublisher{
		nc:      nc,
		js:      js,
		metrics: m,
		logger:  logger,
	}

	if err := EnsureStream(context.Background(), js, logger); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	logger.Info("NATS publisher initialized",
		"url", natsURL,
		"stream", StreamName,
	)

	return publisher, nil
}

// EnsureStream creates the purchases stream if it doesn't exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	stream, err := js.Stream(ctx, StreamName)
	if err == nil {
		info, err := stream.Info(ctx)
		if err == nil {
			logger.Debug("JetStream stream already exists",
				"stream", StreamName,
				"messages", info.State.Msgs,
			)
		}
		return nil
	}

	logger.Info("creating JetStream stream", "stream", StreamName)

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Verified purchase events",
		Subjects:    []string{StreamSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	logger.Info("JetStream stream created successfully", "stream", StreamName)
	return nil
}

// PublishPurchase publishes a single purchase event.
func (p *JetStreamPublisher) PublishPurchase(ctx context.Context, record ledger.SignedRecord) error {
	start := time.Now()
	event := FromRecord(record)
	subject := Subject(event.TargetAddress)

	data, err := json.Marshal(event)
	if err != nil {
		p.recordPublish("error", start)
		return fmt.Errorf("failed to marshal purchase event: %w", err)
	}

	// The record ID doubles as the message ID so JetStream drops redeliveries.
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(record.ID)); err != nil {
		p.recordPublish("error", start)
		return fmt.Errorf("failed to publish purchase: %w", err)
	}
	p.recordPublish("success", start)

	p.logger.Debug("published purchase event",
		"subject", subject,
		"record_id", event.RecordID,
	)

	return nil
}

func (p *JetStreamPublisher) recordPublish(status string, start time.Time) {
	if p.metrics != nil {
		p.metrics.RecordNATSPublish(subjectPrefix, status, time.Since(start).Seconds())
	}
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}
