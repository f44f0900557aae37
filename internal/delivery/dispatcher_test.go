package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/nextlevelbuilder/clawlane/internal/agent"
	"github.com/nextlevelbuilder/clawlane/internal/bus"
	"github.com/nextlevelbuilder/clawlane/internal/channels"
	"github.com/nextlevelbuilder/clawlane/internal/config"
)

type fakeSender struct {
	caps channels.Capabilities

	mu       sync.Mutex
	sent     []channels.Outbound
	calls    int
	failures []error // consumed one per call
	always   error   // returned when failures is exhausted
}

func (f *fakeSender) Capabilities() channels.Capabilities { return f.caps }

func (f *fakeSender) Send(_ context.Context, msg channels.Outbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	var err error
	if len(f.failures) > 0 {
		err, f.failures = f.failures[0], f.failures[1:]
	} else {
		err = f.always
	}
	if err == nil {
		f.sent = append(f.sent, msg)
	}
	return err
}

func newTestDispatcher(attempts int) (*Dispatcher, *[]time.Duration) {
	d := NewDispatcher(Config{MaxAttempts: attempts, InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second})
	var sleeps []time.Duration
	d.sleep = func(_ context.Context, dur time.Duration) error {
		sleeps = append(sleeps, dur)
		return nil
	}
	return d, &sleeps
}

func finalPayload(t *testing.T, text string) *agent.ReplyPayload {
	t.Helper()
	p := agent.NewReplyPayload()
	if err := p.AppendText(text); err != nil {
		t.Fatal(err)
	}
	p.Freeze()
	return p
}

var target = Target{Channel: "telegram", PeerID: "42", ReplyTo: "m1"}

func TestDeliverChunksAndFormats(t *testing.T) {
	d, _ := newTestDispatcher(1)
	s := &fakeSender{caps: channels.Capabilities{Format: channels.FormatHTML, MaxChars: 20}}
	d.Register("telegram", s)

	res := d.Deliver(context.Background(), target, finalPayload(t, "**hello** world\n\nsecond paragraph here"))
	if !res.OK() {
		t.Fatalf("Deliver: %v", res.Err)
	}
	want := []string{"<b>hello</b> world", "second paragraph", "here"}
	if res.Parts != len(want) || res.Delivered != len(want) {
		t.Fatalf("parts/delivered = %d/%d, want %d", res.Parts, res.Delivered, len(want))
	}
	for i, msg := range s.sent {
		if msg.Text != want[i] {
			t.Errorf("part %d = %q, want %q", i, msg.Text, want[i])
		}
		if n := utf8.RuneCountInString(msg.Text); n > 20 {
			t.Errorf("part %d has %d runes", i, n)
		}
		if msg.Format != channels.FormatHTML || msg.PeerID != "42" {
			t.Errorf("part %d addressing/format = %+v", i, msg)
		}
	}
	if s.sent[0].ReplyTo != "m1" || s.sent[1].ReplyTo != "" {
		t.Errorf("ReplyTo = %q,%q; want only the first part to reply", s.sent[0].ReplyTo, s.sent[1].ReplyTo)
	}
}

func TestDeliverRetriesTransient(t *testing.T) {
	d, sleeps := newTestDispatcher(3)
	s := &fakeSender{
		caps:     channels.Capabilities{Format: channels.FormatPlain},
		failures: []error{errors.New("connection reset")},
	}
	d.Register("telegram", s)

	res := d.Deliver(context.Background(), target, finalPayload(t, "hi"))
	if !res.OK() || res.Delivered != 1 {
		t.Fatalf("Deliver = %+v, want delivered", res)
	}
	if s.calls != 2 || len(*sleeps) != 1 {
		t.Errorf("calls=%d sleeps=%d, want 2 and 1", s.calls, len(*sleeps))
	}
}

func TestDeliverPermanentNotRetried(t *testing.T) {
	d, sleeps := newTestDispatcher(5)
	base := errors.New("chat not found")
	s := &fakeSender{caps: channels.Capabilities{Format: channels.FormatPlain}, always: Permanent(base)}
	d.Register("telegram", s)

	res := d.Deliver(context.Background(), target, finalPayload(t, "hi"))
	if res.OK() || !errors.Is(res.Err, base) {
		t.Fatalf("Err = %v, want %v", res.Err, base)
	}
	if s.calls != 1 || len(*sleeps) != 0 {
		t.Errorf("calls=%d sleeps=%d, want 1 and 0", s.calls, len(*sleeps))
	}
}

func TestDeliverExhaustsWithBackoff(t *testing.T) {
	d, sleeps := newTestDispatcher(3)
	s := &fakeSender{caps: channels.Capabilities{Format: channels.FormatPlain}, always: errors.New("503")}
	d.Register("telegram", s)

	res := d.Deliver(context.Background(), target, finalPayload(t, "hi"))
	if res.OK() || res.Delivered != 0 {
		t.Fatalf("Deliver = %+v, want failure", res)
	}
	if s.calls != 3 {
		t.Errorf("calls = %d, want 3", s.calls)
	}
	if len(*sleeps) != 2 {
		t.Fatalf("sleeps = %v, want 2", *sleeps)
	}
	if first, second := (*sleeps)[0], (*sleeps)[1]; first > 100*time.Millisecond || second < 100*time.Millisecond {
		t.Errorf("backoff did not grow: %v then %v", first, second)
	}
}

func TestDeliverStopsAfterFailedPart(t *testing.T) {
	d, _ := newTestDispatcher(1)
	s := &fakeSender{
		caps:     channels.Capabilities{Format: channels.FormatPlain, MaxChars: 5},
		failures: []error{nil, Permanent(errors.New("blocked"))},
	}
	d.Register("telegram", s)

	res := d.Deliver(context.Background(), target, finalPayload(t, "aaaa bbbb cccc"))
	if res.OK() {
		t.Fatal("Deliver succeeded, want failure on second part")
	}
	if res.Parts != 3 || res.Delivered != 1 || s.calls != 2 {
		t.Errorf("parts=%d delivered=%d calls=%d, want 3/1/2", res.Parts, res.Delivered, s.calls)
	}
}

func TestDeliverSkipsSilentAndEmpty(t *testing.T) {
	d, _ := newTestDispatcher(1)
	s := &fakeSender{caps: channels.Capabilities{Format: channels.FormatPlain}}
	d.Register("telegram", s)

	for _, p := range []*agent.ReplyPayload{nil, finalPayload(t, "NO_REPLY"), finalPayload(t, "<think>hmm</think>NO_REPLY")} {
		res := d.Deliver(context.Background(), target, p)
		if !res.Skipped || !res.OK() {
			t.Errorf("Deliver = %+v, want skipped", res)
		}
	}
	if s.calls != 0 {
		t.Errorf("sender called %d times", s.calls)
	}
}

func TestDeliverRejects(t *testing.T) {
	d, _ := newTestDispatcher(1)

	open := agent.NewReplyPayload()
	_ = open.AppendText("streaming")
	d.Register("telegram", &fakeSender{})
	if res := d.Deliver(context.Background(), target, open); !errors.Is(res.Err, ErrNotFinalized) {
		t.Errorf("unfrozen payload Err = %v, want ErrNotFinalized", res.Err)
	}

	res := d.Deliver(context.Background(), Target{Channel: "irc"}, finalPayload(t, "hi"))
	if !errors.Is(res.Err, ErrUnknownChannel) {
		t.Errorf("unknown channel Err = %v, want ErrUnknownChannel", res.Err)
	}
}

func TestDeliverMedia(t *testing.T) {
	img := bus.MediaRef{URL: "https://cdn.example/cat.png", MimeType: "image/png"}
	build := func() *agent.ReplyPayload {
		p := agent.NewReplyPayload()
		_ = p.AppendText("look")
		_ = p.AppendMedia(img)
		p.Freeze()
		return p
	}

	d, _ := newTestDispatcher(1)
	rich := &fakeSender{caps: channels.Capabilities{Format: channels.FormatPlain, Media: true}}
	d.Register("telegram", rich)
	if res := d.Deliver(context.Background(), target, build()); res.Parts != 2 {
		t.Fatalf("parts = %d, want 2", res.Parts)
	}
	if len(rich.sent[1].Media) != 1 || rich.sent[1].Media[0] != img {
		t.Errorf("media part = %+v", rich.sent[1])
	}

	textOnly := &fakeSender{caps: channels.Capabilities{Format: channels.FormatPlain}}
	d.Register("discord", textOnly)
	d.Deliver(context.Background(), Target{Channel: "discord", PeerID: "c"}, build())
	if len(textOnly.sent) != 2 || textOnly.sent[1].Text != img.URL {
		t.Errorf("text-only media part = %+v", textOnly.sent)
	}
}

func TestRegisterCreatesLimiter(t *testing.T) {
	d := NewDispatcher(Config{MaxAttempts: 1, RatePerSecond: 5, Burst: 2})
	d.Register("telegram", &fakeSender{})
	_, lim, ok := d.sender("telegram")
	if !ok || lim == nil {
		t.Fatal("no limiter registered")
	}
	if lim.Burst() != 2 {
		t.Errorf("burst = %d, want 2", lim.Burst())
	}
}

func TestJitterBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		if j := jitter(time.Second); j < 500*time.Millisecond || j > time.Second {
			t.Fatalf("jitter(1s) = %v", j)
		}
	}
	if jitter(0) != 0 {
		t.Error("jitter(0) != 0")
	}
}

func TestConfigFromDefaults(t *testing.T) {
	cfg := ConfigFrom(config.DeliveryConfig{})
	if cfg.MaxAttempts != 3 || cfg.InitialBackoff != 500*time.Millisecond || cfg.MaxBackoff != 30*time.Second {
		t.Errorf("ConfigFrom(zero) = %+v", cfg)
	}
	cfg = ConfigFrom(config.DeliveryConfig{MaxAttempts: 5, InitialBackoffMs: 200, MaxBackoffMs: 1000})
	if cfg.MaxAttempts != 5 || cfg.MaxBackoff != time.Second {
		t.Errorf("ConfigFrom(explicit) = %+v", cfg)
	}
}
