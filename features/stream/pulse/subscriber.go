package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/quest/features/stream/pulse/clients/pulse"
	"goa.design/quest/runtime/pipeline/stream"
)

type (
	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume envelopes. Required.
		Client clientspulse.Client
		// SinkName prefixes the per-subscription sink names. Defaults to
		// "quest_subscriber".
		SinkName string
		// Buffer specifies the envelope channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber consumes Pulse streams and emits pipeline envelopes. It
	// wraps a Pulse sink (consumer group) and decodes incoming payloads.
	Subscriber struct {
		client clientspulse.Client
		buffer int
		name   string
	}
)

// NewSubscriber constructs a Pulse-backed subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "quest_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{client: opts.Client, buffer: buffer, name: name}, nil
}

// Subscribe opens a Pulse sink on the run's stream and returns channels for
// envelopes and errors. It spawns a goroutine that consumes from the sink,
// decodes payloads, and emits envelopes. The returned cancel function stops
// consumption, closes the sink, and closes both channels.
//
// Each subscription gets its own uniquely named sink. Same-named Pulse sinks
// form a consumer group that load-balances events across members, so sharing
// one name would split a run's events between concurrent subscribers and
// leave late subscribers behind the group's acked cursor.
//
// Usage:
//
//	envs, errs, cancel, err := sub.Subscribe(ctx, runID)
//	defer cancel()
//	for env := range envs {
//	    // relay envelope
//	}
func (s *Subscriber) Subscribe(ctx context.Context, runID string) (<-chan stream.Envelope, <-chan error, context.CancelFunc, error) {
	if runID == "" {
		return nil, nil, nil, errors.New("run id is required")
	}
	str, err := s.client.Stream(fmt.Sprintf("run/%s", runID))
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, fmt.Sprintf("%s-%s", s.name, uuid.NewString()), streamopts.WithSinkStartAtOldest())
	if err != nil {
		return nil, nil, nil, err
	}
	envs := make(chan stream.Envelope, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, envs, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return envs, errs, cancelFunc, nil
}

// consume reads events from the Pulse sink channel, decodes them, and emits
// them on the out channel. It acks each event after successful emission and
// stops after relaying a terminal envelope.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- stream.Envelope, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var env stream.Envelope
			if err := json.Unmarshal(evt.Payload, &env); err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
			if env.Terminal() {
				return
			}
		}
	}
}
