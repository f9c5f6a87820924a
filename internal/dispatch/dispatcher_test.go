package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/animation"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/pipeline"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/tts"
)

type fakeListener struct {
	id      string
	dropped chan error
}

func newListener(id string) *fakeListener {
	return &fakeListener{id: id, dropped: make(chan error, 1)}
}

func (f *fakeListener) ID() string { return f.id }

func (f *fakeListener) Drop(reason error) { f.dropped <- reason }

type releaser struct {
	mu  sync.Mutex
	ids []string
}

func (r *releaser) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func (r *releaser) released() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

type recordingMirror struct {
	mu   sync.Mutex
	seqs []uint64
	err  error
}

func (m *recordingMirror) Mirror(_ context.Context, evt protocol.BroadcastEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seqs = append(m.seqs, evt.Sequence)
	return m.err
}

func newDispatcher(t *testing.T, queue int, rel Releaser, mirrors ...Mirror) *Dispatcher {
	t.Helper()
	cfg := config.DispatcherConfig{ListenerQueue: queue, WriteTimeoutMS: 1000}
	d := New(context.Background(), cfg, rel, slog.New(slog.NewTextHandler(io.Discard, nil)), mirrors...)
	t.Cleanup(d.Close)
	return d
}

func utterance(seq uint64, artifactID string) *pipeline.Utterance {
	return &pipeline.Utterance{
		ID:         "utt",
		Sequence:   seq,
		Status:     pipeline.StatusOK,
		Request:    pipeline.Request{Text: "Hello", Source: "conn-a"},
		Audio:      tts.Audio{SampleRate: 1000, Samples: make([]int16, 500)},
		Frames:     []animation.Frame{{Offset: 0, Mouth: 0.5, Expression: animation.ExpressionNeutral}},
		ArtifactID: artifactID,
		AudioRef:   "audio/" + artifactID,
	}
}

func receive(t *testing.T, sub *Subscription) protocol.BroadcastEvent {
	t.Helper()
	select {
	case del, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed")
		}
		defer del.Done()
		env, err := protocol.Unmarshal(del.Payload)
		if err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if env.Type != protocol.TypeBroadcast {
			t.Fatalf("unexpected type %s", env.Type)
		}
		var evt protocol.BroadcastEvent
		if err := env.Decode(&evt); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if evt.Sequence != del.Sequence {
			t.Fatalf("delivery sequence mismatch")
		}
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	return protocol.BroadcastEvent{}
}

func TestLateJoinerOnlySeesLaterEvents(t *testing.T) {
	d := newDispatcher(t, 8, nil)
	early := d.Register(newListener("early"))
	d.Dispatch(utterance(1, ""))
	late := d.Register(newListener("late"))
	d.Dispatch(utterance(2, ""))

	if got := receive(t, early).Sequence; got != 1 {
		t.Fatalf("early listener expected 1, got %d", got)
	}
	if got := receive(t, early).Sequence; got != 2 {
		t.Fatalf("early listener expected 2, got %d", got)
	}
	if got := receive(t, late).Sequence; got != 2 {
		t.Fatalf("late listener expected 2, got %d", got)
	}
	select {
	case <-late.C():
		t.Fatal("late listener received an extra event")
	default:
	}
}

func TestSlowListenerDropped(t *testing.T) {
	d := newDispatcher(t, 1, nil)
	slow := newListener("slow")
	d.Register(slow)
	fast := d.Register(newListener("fast"))

	for seq := uint64(1); seq <= 3; seq++ {
		d.Dispatch(utterance(seq, ""))
		if got := receive(t, fast).Sequence; got != seq {
			t.Fatalf("fast listener expected %d, got %d", seq, got)
		}
	}

	select {
	case reason := <-slow.dropped:
		if !errors.Is(reason, ErrSlowListener) {
			t.Fatalf("unexpected drop reason %v", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("slow listener was not dropped")
	}
	if n := d.Listeners(); n != 1 {
		t.Fatalf("expected one listener left, got %d", n)
	}
}

func TestArtifactReleasedAfterLastDelivery(t *testing.T) {
	rel := &releaser{}
	d := newDispatcher(t, 4, rel)
	a := d.Register(newListener("a"))
	b := d.Register(newListener("b"))

	d.Dispatch(utterance(1, "art-1"))
	receive(t, a)
	if len(rel.released()) != 0 {
		t.Fatal("artifact released while a listener still holds it")
	}
	receive(t, b)
	if got := rel.released(); len(got) != 1 || got[0] != "art-1" {
		t.Fatalf("expected single release of art-1, got %v", got)
	}
}

func TestArtifactReleasedWithoutListeners(t *testing.T) {
	rel := &releaser{}
	d := newDispatcher(t, 4, rel)
	d.Dispatch(utterance(1, "art-2"))
	if got := rel.released(); len(got) != 1 || got[0] != "art-2" {
		t.Fatalf("expected immediate release, got %v", got)
	}
}

func TestRemoveReleasesQueuedDeliveries(t *testing.T) {
	rel := &releaser{}
	d := newDispatcher(t, 4, rel)
	d.Register(newListener("gone"))
	d.Dispatch(utterance(1, "art-3"))
	if !d.Remove("gone") {
		t.Fatal("expected listener removed")
	}
	if d.Remove("gone") {
		t.Fatal("second remove should be a no-op")
	}
	if got := rel.released(); len(got) != 1 {
		t.Fatalf("expected release after removal, got %v", got)
	}
}

func TestMirrorsReceiveEventsInOrder(t *testing.T) {
	ok := &recordingMirror{}
	failing := &recordingMirror{err: errors.New("bus down")}
	d := newDispatcher(t, 4, nil, ok, failing)
	for seq := uint64(1); seq <= 5; seq++ {
		d.Dispatch(utterance(seq, ""))
	}
	d.Close()

	for _, m := range []*recordingMirror{ok, failing} {
		m.mu.Lock()
		if len(m.seqs) != 5 {
			m.mu.Unlock()
			t.Fatalf("expected 5 mirrored events, got %d", len(m.seqs))
		}
		for i, seq := range m.seqs {
			if seq != uint64(i+1) {
				t.Fatalf("mirror out of order: %v", m.seqs)
			}
		}
		m.mu.Unlock()
	}
}

func TestFailedEventCarriesNoAudio(t *testing.T) {
	u := &pipeline.Utterance{
		ID:       "utt-failed",
		Sequence: 9,
		Status:   pipeline.StatusFailed,
		Err:      errors.New("tts down"),
	}
	evt := NewEvent(u)
	if evt.AudioRef != "" || evt.DurationMS != 0 || len(evt.Frames) != 0 || evt.Error == "" {
		t.Fatalf("unexpected failed event %+v", evt)
	}
	data, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frames, ok := raw["frames"].([]any); !ok || len(frames) != 0 {
		t.Fatalf("expected empty frames array, got %v", raw["frames"])
	}
}
