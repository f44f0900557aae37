// Package delivery carries finished replies to their audience: the
// Dispatcher sends finalized payloads to platform channels, the Hub streams
// turn events to gateway subscribers.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/clawlane/internal/agent"
	"github.com/nextlevelbuilder/clawlane/internal/bus"
	"github.com/nextlevelbuilder/clawlane/internal/channels"
	"github.com/nextlevelbuilder/clawlane/internal/config"
	"github.com/nextlevelbuilder/clawlane/internal/metrics"
)

var (
	ErrUnknownChannel = errors.New("delivery: unknown channel")
	ErrNotFinalized   = errors.New("delivery: payload not finalized")
)

// Permanent marks a send error as non-retryable.
func Permanent(err error) error { return channels.Permanent(err) }

// Target addresses a reply on a platform.
type Target struct {
	Channel   string
	AccountID string
	PeerID    string
	ThreadID  string
	ReplyTo   string
}

// Sender is the delivery side of a channel adapter.
type Sender interface {
	Send(ctx context.Context, msg channels.Outbound) error
	Capabilities() channels.Capabilities
}

// Result reports what happened to one Deliver call. Failures are reported
// here, never returned to the turn.
type Result struct {
	Parts     int  // outbound messages the payload was split into
	Delivered int  // messages accepted by the channel, in order
	Skipped   bool // nothing to send (empty or silent reply)
	Err       error
}

func (r Result) OK() bool { return r.Err == nil }

// Config bounds retries and send rate.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RatePerSecond  float64 // per channel; 0 means unlimited
	Burst          int
}

// ConfigFrom converts the file config, filling defaults.
func ConfigFrom(c config.DeliveryConfig) Config {
	cfg := Config{
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: time.Duration(c.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(c.MaxBackoffMs) * time.Millisecond,
		RatePerSecond:  c.RatePerSecond,
		Burst:          c.Burst,
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return cfg
}

// Dispatcher delivers finalized payloads to registered channel senders.
type Dispatcher struct {
	cfg Config

	mu       sync.RWMutex
	senders  map[string]Sender
	limiters map[string]*rate.Limiter

	sleep func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Dispatcher{
		cfg:      cfg,
		senders:  make(map[string]Sender),
		limiters: make(map[string]*rate.Limiter),
		sleep:    sleepCtx,
	}
}

// Register binds a channel name to its sender. Registering again replaces it.
func (d *Dispatcher) Register(name string, s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders[name] = s
	if d.cfg.RatePerSecond > 0 {
		d.limiters[name] = rate.NewLimiter(rate.Limit(d.cfg.RatePerSecond), max(d.cfg.Burst, 1))
	}
}

func (d *Dispatcher) sender(name string) (Sender, *rate.Limiter, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.senders[name]
	return s, d.limiters[name], ok
}

// Deliver sends a finalized payload to t. Text blocks are sanitized, chunked
// to the channel's limit and formatted to its capability level; media blocks
// follow in payload order. A part that still fails after the retry budget
// stops delivery of the remaining parts.
func (d *Dispatcher) Deliver(ctx context.Context, t Target, p *agent.ReplyPayload) Result {
	if p == nil || p.Empty() {
		metrics.DeliveryTotal.WithLabelValues(t.Channel, "skipped").Inc()
		return Result{Skipped: true}
	}
	if !p.Frozen() {
		return d.fail(t, Result{Err: ErrNotFinalized})
	}
	s, limiter, ok := d.sender(t.Channel)
	if !ok {
		return d.fail(t, Result{Err: fmt.Errorf("%w: %q", ErrUnknownChannel, t.Channel)})
	}

	parts := d.render(t, s.Capabilities(), p.Blocks())
	if len(parts) == 0 {
		metrics.DeliveryTotal.WithLabelValues(t.Channel, "skipped").Inc()
		return Result{Skipped: true}
	}

	res := Result{Parts: len(parts)}
	for _, out := range parts {
		if err := d.sendWithRetry(ctx, s, limiter, out); err != nil {
			res.Err = err
			return d.fail(t, res)
		}
		res.Delivered++
	}
	metrics.DeliveryTotal.WithLabelValues(t.Channel, "ok").Inc()
	return res
}

func (d *Dispatcher) fail(t Target, res Result) Result {
	slog.Warn("delivery.failed",
		"channel", t.Channel,
		"peer", t.PeerID,
		"delivered", res.Delivered,
		"parts", res.Parts,
		"error", res.Err,
	)
	metrics.DeliveryTotal.WithLabelValues(t.Channel, "failed").Inc()
	return res
}

// render turns payload blocks into outbound messages. A reply that is
// silent as a whole produces nothing.
func (d *Dispatcher) render(t Target, caps channels.Capabilities, blocks []agent.Block) []channels.Outbound {
	var texts []string
	for _, b := range blocks {
		if b.Kind == agent.BlockText {
			texts = append(texts, b.Text)
		}
	}
	if len(texts) > 0 && !hasMedia(blocks) && agent.IsSilentReply(agent.SanitizeReply(strings.Join(texts, ""))) {
		return nil
	}

	base := channels.Outbound{
		Channel:   t.Channel,
		AccountID: t.AccountID,
		PeerID:    t.PeerID,
		ThreadID:  t.ThreadID,
		Format:    caps.Format,
	}
	var out []channels.Outbound
	for _, b := range blocks {
		switch b.Kind {
		case agent.BlockText:
			clean := agent.SanitizeReply(b.Text)
			if clean == "" || agent.IsSilentReply(clean) {
				continue
			}
			for _, part := range renderText(clean, caps) {
				msg := base
				msg.Text = part
				out = append(out, msg)
			}
		case agent.BlockMedia:
			if b.Media == nil {
				continue
			}
			msg := base
			if caps.Media {
				msg.Media = []bus.MediaRef{*b.Media}
			} else {
				msg.Text = Format(mediaLink(*b.Media), caps.Format)
			}
			out = append(out, msg)
		}
	}
	if len(out) > 0 {
		out[0].ReplyTo = t.ReplyTo
	}
	return out
}

// renderText chunks markdown and formats each chunk. Formatting can grow a
// chunk past the limit (entities, tags); such chunks are split again with a
// proportionally smaller budget.
func renderText(md string, caps channels.Capabilities) []string {
	limit := caps.MaxChars
	var out []string
	var split func(text string, budget int)
	split = func(text string, budget int) {
		for _, chunk := range ChunkText(text, budget) {
			rendered := Format(chunk, caps.Format)
			if rendered == "" {
				continue
			}
			n := utf8.RuneCountInString(rendered)
			if limit > 0 && n > limit && budget > 64 {
				next := budget * limit / n * 9 / 10
				if next >= budget {
					next = budget - 1
				}
				split(chunk, next)
				continue
			}
			out = append(out, rendered)
		}
	}
	split(md, limit)
	return out
}

func mediaLink(m bus.MediaRef) string {
	if m.URL != "" {
		return m.URL
	}
	return "[attachment: " + m.Path + "]"
}

func hasMedia(blocks []agent.Block) bool {
	for _, b := range blocks {
		if b.Kind == agent.BlockMedia && b.Media != nil {
			return true
		}
	}
	return false
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, s Sender, limiter *rate.Limiter, out channels.Outbound) error {
	backoff := d.cfg.InitialBackoff
	var err error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if limiter != nil {
			if werr := limiter.Wait(ctx); werr != nil {
				if err == nil {
					err = werr
				}
				return err
			}
		}
		err = s.Send(ctx, out)
		if err == nil {
			return nil
		}
		if channels.IsPermanent(err) || ctx.Err() != nil || attempt == d.cfg.MaxAttempts {
			break
		}
		slog.Debug("delivery.retry", "channel", out.Channel, "attempt", attempt, "error", err)
		if werr := d.sleep(ctx, jitter(backoff)); werr != nil {
			break
		}
		backoff *= 2
		if d.cfg.MaxBackoff > 0 && backoff > d.cfg.MaxBackoff {
			backoff = d.cfg.MaxBackoff
		}
	}
	return err
}

// jitter spreads d over [d/2, d].
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(d-half)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
