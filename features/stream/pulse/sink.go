// Package pulse exposes a stream.Sink implementation that publishes pipeline
// envelopes to goa.design/pulse streams, plus the matching Subscriber used by
// HTTP frontends to relay them to SSE clients. Services build a Redis client,
// pass it to the Pulse client, and hand the resulting sink to the
// orchestrator.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	clientspulse "goa.design/quest/features/stream/pulse/clients/pulse"
	"goa.design/quest/runtime/pipeline/stream"
)

type (
	// SinkOptions configures the Pulse sink.
	SinkOptions struct {
		// Client is the Pulse client used to publish envelopes. Required.
		Client clientspulse.Client
		// StreamID derives the target Pulse stream from an envelope. Defaults
		// to "run/<RunID>".
		StreamID func(stream.Envelope) (string, error)
	}

	// Sink publishes pipeline envelopes into Pulse streams. Thread-safe for
	// concurrent Send operations.
	Sink struct {
		client   clientspulse.Client
		streamID func(stream.Envelope) (string, error)
	}
)

// NewSink constructs a Pulse-backed stream sink.
func NewSink(opts SinkOptions) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Sink{client: opts.Client, streamID: streamID}, nil
}

// Send publishes the envelope to the derived Pulse stream.
func (s *Sink) Send(ctx context.Context, env stream.Envelope) error {
	streamID, err := s.streamID(env)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, string(env.Type), payload); err != nil {
		return err
	}
	return nil
}

// Close releases resources owned by the sink.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// defaultStreamID derives the Pulse stream name from the envelope's RunID.
func defaultStreamID(env stream.Envelope) (string, error) {
	if env.RunID == "" {
		return "", errors.New("stream envelope missing run id")
	}
	return fmt.Sprintf("run/%s", env.RunID), nil
}
