// Package publish owns the single outbound message queue. Producers enqueue
// from any goroutine; one worker drains the queue in FIFO order, paces sends
// at one per second, honours platform flood control, and composes listing
// photos before upload.
package publish

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/avasylenko/pricewatch/internal/metrics"
	"github.com/avasylenko/pricewatch/internal/notify"
	domain "github.com/avasylenko/pricewatch/pkg/types"
)

// Sender is the chat-platform surface the worker needs; *notify.Client
// satisfies it.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) (int64, error)
	SendPhoto(ctx context.Context, chatID int64, caption string, photo []byte) (int64, error)
}

const (
	defaultQueueSize = 512
	sendRetries      = 3
	retryBackoff     = 2 * time.Second
)

// Publisher is the process-wide outbound queue and its worker.
type Publisher struct {
	sender   Sender
	composer *Composer
	queue    chan Message
	limiter  *rate.Limiter
	chatID   int64
	backoff  time.Duration
	log      *slog.Logger
}

// Option configures the Publisher.
type Option func(*Publisher)

// WithComposer enables the image path.
func WithComposer(c *Composer) Option {
	return func(p *Publisher) {
		p.composer = c
	}
}

// WithQueueSize overrides the queue capacity.
func WithQueueSize(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.queue = make(chan Message, n)
		}
	}
}

// WithRate overrides the send pace, mainly for tests.
func WithRate(r rate.Limit) Option {
	return func(p *Publisher) {
		p.limiter = rate.NewLimiter(r, 1)
	}
}

// WithBackoff overrides the base retry backoff, mainly for tests.
func WithBackoff(d time.Duration) Option {
	return func(p *Publisher) {
		p.backoff = d
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) {
		p.log = l
	}
}

// New creates a Publisher sending to the given default chat.
func New(sender Sender, chatID int64, opts ...Option) *Publisher {
	p := &Publisher{
		sender:  sender,
		queue:   make(chan Message, defaultQueueSize),
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		chatID:  chatID,
		backoff: retryBackoff,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NotifyNew enqueues a first-sighting notification.
func (p *Publisher) NotifyNew(l domain.Listing) {
	p.Enqueue(newListingMessage(l, p.chatID))
}

// NotifyPriceChange enqueues a price-change notification.
func (p *Publisher) NotifyPriceChange(l domain.Listing, previous float64) {
	p.Enqueue(priceChangeMessage(l, previous, p.chatID))
}

// Enqueue adds a message without blocking; a full queue drops the message
// and logs.
func (p *Publisher) Enqueue(m Message) {
	if m.ChatID == 0 {
		m.ChatID = p.chatID
	}
	select {
	case p.queue <- m:
		metrics.PublishQueueDepth.Set(float64(len(p.queue)))
	default:
		metrics.MessagesDroppedTotal.Inc()
		p.log.Error("publish queue full, dropping message", "chat_id", m.ChatID)
	}
}

// Run drains the queue until the context is cancelled, preserving enqueue
// order.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-p.queue:
			metrics.PublishQueueDepth.Set(float64(len(p.queue)))
			if err := p.limiter.Wait(ctx); err != nil {
				return
			}
			p.deliver(ctx, m)
		}
	}
}

// deliver sends one message. Flood control is honoured indefinitely;
// transient failures get a bounded number of linear-backoff retries; a
// still-failing message is dropped and logged.
func (p *Publisher) deliver(ctx context.Context, m Message) {
	for attempt := 1; attempt <= sendRetries; attempt++ {
		err := p.send(ctx, m)
		if err == nil {
			metrics.MessagesSentTotal.Inc()
			return
		}

		var ra *notify.RetryAfterError
		if errors.As(err, &ra) {
			metrics.RateLimitSleepsTotal.Inc()
			p.log.Warn("flood control, sleeping", "after", ra.After)
			if !sleep(ctx, ra.After) {
				return
			}
			attempt--
			continue
		}

		if ctx.Err() != nil {
			return
		}
		p.log.Warn("send failed", "attempt", attempt, "error", err)
		if attempt < sendRetries && !sleep(ctx, time.Duration(attempt)*p.backoff) {
			return
		}
	}

	metrics.MessagesDroppedTotal.Inc()
	p.log.Error("dropping message after repeated send failures", "chat_id", m.ChatID)
}

func (p *Publisher) send(ctx context.Context, m Message) error {
	if photo, ok := p.composePhoto(ctx, m); ok {
		_, err := p.sender.SendPhoto(ctx, m.ChatID, m.Text, photo)
		return err
	}
	_, err := p.sender.SendMessage(ctx, m.ChatID, m.Text)
	return err
}

// composePhoto builds the photo payload; any failure degrades to text-only.
func (p *Publisher) composePhoto(ctx context.Context, m Message) ([]byte, bool) {
	if p.composer == nil || m.ImageURL == "" {
		return nil, false
	}
	data, err := p.composer.Fetch(ctx, m.ImageURL)
	if err != nil {
		p.log.Warn("image download failed, sending text only", "url", m.ImageURL, "error", err)
		return nil, false
	}
	if m.Overlay == nil {
		return data, true
	}
	framed, err := p.composer.Compose(data, *m.Overlay)
	if err != nil {
		p.log.Warn("image composition failed, sending raw image", "url", m.ImageURL, "error", err)
		return data, true
	}
	return framed, true
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
