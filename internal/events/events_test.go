package events

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/episode-tts/internal/queue"
	"github.com/dgnsrekt/episode-tts/internal/ttypes"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

func startServer(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("create nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("nats server not ready")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns
}

func subscribe(t *testing.T, url, subject string) chan *nats.Msg {
	t.Helper()
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect subscriber: %v", err)
	}
	t.Cleanup(nc.Close)
	ch := make(chan *nats.Msg, 64)
	if _, err := nc.ChanSubscribe(subject, ch); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return ch
}

func next(t *testing.T, ch chan *nats.Msg) (*nats.Msg, Event) {
	t.Helper()
	select {
	case m := <-ch:
		var e Event
		if err := json.Unmarshal(m.Data, &e); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return m, e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil, Event{}
}

func TestRunEvents(t *testing.T) {
	ns := startServer(t)
	ch := subscribe(t, ns.ClientURL(), "episode.>")

	bus, err := Connect(ns.ClientURL(), "", log.New(io.Discard))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(bus.Close)
	if !bus.Healthy() {
		t.Fatal("bus should be healthy")
	}

	p := bus.Run("2025-03-01", "run-1")
	ctx := context.Background()
	p.RunStarted(2)
	p.AttemptStarted(ctx, 1, []string{"01_-_intro", "02_-_script_01"})
	p.JobFinished(ctx, ttypes.Job{Segment: "01_-_intro", Attempt: 1, Outcome: ttypes.OutcomeSuccess, Bytes: 2048})
	p.Stalled(queue.Stall{For: 11 * time.Minute, Snapshot: ttypes.QueueSnapshot{TotalQueued: 4, Completed: 9}})
	p.RunFinished(Summary{Status: "succeeded", Segments: 2, Attempts: 1})

	wantTypes := []string{TypeRunStarted, TypeAttemptStarted, TypeJobFinished, TypeQueueStalled, TypeRunFinished}
	for _, want := range wantTypes {
		msg, e := next(t, ch)
		if e.Type != want {
			t.Fatalf("event type = %q, want %q", e.Type, want)
		}
		if msg.Subject != "episode.2025-03-01."+want {
			t.Errorf("subject = %q", msg.Subject)
		}
		if e.RunID != "run-1" || e.Episode != "2025-03-01" {
			t.Errorf("envelope = %+v", e)
		}
		if want == TypeJobFinished {
			data, _ := json.Marshal(e.Data)
			var jd JobData
			if err := json.Unmarshal(data, &jd); err != nil {
				t.Fatal(err)
			}
			if jd.Segment != "01_-_intro" || jd.Outcome != "success" || jd.Bytes != 2048 {
				t.Errorf("job data = %+v", jd)
			}
		}
	}
}

func TestNilBus(t *testing.T) {
	bus, err := Connect("", "", nil)
	if err != nil || bus != nil {
		t.Fatalf("Connect(\"\") = %v, %v; want nil, nil", bus, err)
	}
	// A nil bus must be usable.
	p := bus.Run("ep", "r")
	p.RunStarted(1)
	p.JobFinished(context.Background(), ttypes.Job{})
	p.RunFinished(Summary{})
	bus.Close()
	if bus.Healthy() {
		t.Error("nil bus reported healthy")
	}
}

func TestSubject(t *testing.T) {
	tests := []struct {
		prefix  string
		episode string
		want    string
	}{
		{"", "2025-03-01", "episode.2025-03-01.run.started"},
		{"podcast", "my show.v2", "podcast.my_show_v2.run.started"},
		{"episode", "", "episode._.run.started"},
	}
	for _, tt := range tests {
		var b *Bus
		if tt.prefix != "" {
			b = &Bus{prefix: token(tt.prefix)}
		}
		if got := b.Subject(tt.episode, TypeRunStarted); got != tt.want {
			t.Errorf("Subject(%q) = %q, want %q", tt.episode, got, tt.want)
		}
	}
}

func TestConnectFailure(t *testing.T) {
	if _, err := Connect("nats://127.0.0.1:1", "", log.New(io.Discard)); err == nil {
		t.Fatal("expected connection error")
	}
}
