package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/quest/features/stream/pulse/clients/pulse"
	"goa.design/quest/runtime/pipeline/stream"
)

type addCall struct {
	stream  string
	event   string
	payload []byte
}

type fakeClient struct {
	mu      sync.Mutex
	streams map[string]*fakeStream
	err     error
	closed  bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{name: name, sink: newFakeSink()}
		c.streams[name] = s
	}
	return s, nil
}

func (c *fakeClient) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeStream struct {
	mu        sync.Mutex
	name      string
	adds      []addCall
	sink      *fakeSink
	sinkNames []string
	next      int
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adds = append(s.adds, addCall{stream: s.name, event: event, payload: payload})
	s.next++
	return fmt.Sprintf("%d-0", s.next), nil
}

func (s *fakeStream) NewSink(_ context.Context, name string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinkNames = append(s.sinkNames, name)
	return s.sink, nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

type fakeSink struct {
	mu     sync.Mutex
	ch     chan *streaming.Event
	acked  []string
	closed bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{ch: make(chan *streaming.Event, 8)}
}

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.ch }

func (s *fakeSink) Ack(_ context.Context, evt *streaming.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, evt.ID)
	return nil
}

func (s *fakeSink) Close(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSink) ackedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.acked...)
}

func TestSinkPublishesEnvelopeToRunStream(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(SinkOptions{Client: client})
	require.NoError(t, err)

	env := stream.New(stream.EventProgress, "run-123", "Generating sub-queries", json.RawMessage(`{"n":1}`))
	require.NoError(t, sink.Send(context.Background(), env))

	fs, ok := client.streams["run/run-123"]
	require.True(t, ok, "sink must derive the stream from the run id")
	require.Len(t, fs.adds, 1)
	require.Equal(t, "progress", fs.adds[0].event)

	var got stream.Envelope
	require.NoError(t, json.Unmarshal(fs.adds[0].payload, &got))
	require.Equal(t, env.RunID, got.RunID)
	require.Equal(t, env.Message, got.Message)
	require.JSONEq(t, `{"n":1}`, string(got.Data))
}

func TestSinkRejectsEnvelopeWithoutRunID(t *testing.T) {
	sink, err := NewSink(SinkOptions{Client: newFakeClient()})
	require.NoError(t, err)
	err = sink.Send(context.Background(), stream.New(stream.EventProgress, "", "msg", nil))
	require.Error(t, err)
}

func TestSinkCustomStreamID(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(SinkOptions{
		Client:   client,
		StreamID: func(stream.Envelope) (string, error) { return "custom", nil },
	})
	require.NoError(t, err)
	require.NoError(t, sink.Send(context.Background(), stream.New(stream.EventData, "r", "", nil)))
	_, ok := client.streams["custom"]
	require.True(t, ok)
}

func TestSinkClosePropagates(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(SinkOptions{Client: client})
	require.NoError(t, err)
	require.NoError(t, sink.Close(context.Background()))
	require.True(t, client.closed)
}

func TestSubscribeEmitsAndAcks(t *testing.T) {
	client := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{Client: client, Buffer: 2})
	require.NoError(t, err)

	envs, errs, cancel, err := sub.Subscribe(context.Background(), "run-1")
	require.NoError(t, err)
	defer cancel()

	fs := client.streams["run/run-1"]
	payload, _ := json.Marshal(stream.New(stream.EventProgress, "run-1", "working", nil))
	fs.sink.ch <- &streaming.Event{ID: "1-0", EventName: "progress", Payload: payload}

	e := <-envs
	require.Equal(t, stream.EventProgress, e.Type)
	require.Equal(t, "run-1", e.RunID)
	require.Equal(t, "working", e.Message)
	require.Eventually(t, func() bool {
		return len(fs.sink.ackedIDs()) == 1
	}, time.Second, 10*time.Millisecond)
	require.Empty(t, errs)
}

func TestSubscribeStopsAfterTerminalEnvelope(t *testing.T) {
	client := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{Client: client, Buffer: 2})
	require.NoError(t, err)

	envs, _, cancel, err := sub.Subscribe(context.Background(), "run-1")
	require.NoError(t, err)
	defer cancel()

	fs := client.streams["run/run-1"]
	complete, _ := json.Marshal(stream.New(stream.EventComplete, "run-1", "done", nil))
	fs.sink.ch <- &streaming.Event{ID: "1-0", EventName: "complete", Payload: complete}

	e, ok := <-envs
	require.True(t, ok)
	require.Equal(t, stream.EventComplete, e.Type)

	_, ok = <-envs
	require.False(t, ok, "channel must close after the terminal envelope")
	require.Equal(t, []string{"1-0"}, fs.sink.ackedIDs())
}

func TestSubscribeCreatesSinkPerSubscription(t *testing.T) {
	client := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)

	_, _, cancel1, err := sub.Subscribe(context.Background(), "run-1")
	require.NoError(t, err)
	defer cancel1()
	_, _, cancel2, err := sub.Subscribe(context.Background(), "run-1")
	require.NoError(t, err)
	defer cancel2()

	fs := client.streams["run/run-1"]
	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Len(t, fs.sinkNames, 2)
	for _, n := range fs.sinkNames {
		require.True(t, strings.HasPrefix(n, "quest_subscriber-"), n)
	}
	// Same-named sinks form a consumer group that splits events between
	// members; each subscription must get the whole stream.
	require.NotEqual(t, fs.sinkNames[0], fs.sinkNames[1])
}

func TestSubscribeDecoderError(t *testing.T) {
	client := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)

	envs, errs, cancel, err := sub.Subscribe(context.Background(), "run-1")
	require.NoError(t, err)
	defer cancel()

	fs := client.streams["run/run-1"]
	fs.sink.ch <- &streaming.Event{ID: "1-0", Payload: []byte("{not json")}

	require.Error(t, <-errs)
	_, ok := <-envs
	require.False(t, ok)
}

func TestSubscribeRequiresRunID(t *testing.T) {
	sub, err := NewSubscriber(SubscriberOptions{Client: newFakeClient()})
	require.NoError(t, err)
	_, _, _, err = sub.Subscribe(context.Background(), "")
	require.Error(t, err)
}

func TestSubscribeStreamError(t *testing.T) {
	client := newFakeClient()
	client.err = errors.New("redis unavailable")
	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)
	_, _, _, err = sub.Subscribe(context.Background(), "run-1")
	require.Error(t, err)
}
