package notify

import (
	"context"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/msageha/heimdall/internal/model"
)

const (
	defaultRetryBase = 500 * time.Millisecond
	deliveryTimeout  = 60 * time.Second
)

// Result is the outcome of one synchronous delivery.
type Result struct {
	Channel string `json:"channel"`
	Error   string `json:"error,omitempty"`
}

// Fanout delivers each message to every configured channel. Notify returns
// immediately; deliveries run in the background with retry and are only
// logged on failure.
type Fanout struct {
	Policy   Policy
	Redactor *Redactor

	channels   []Channel
	logger     *zap.Logger
	maxRetries uint64
	base       time.Duration

	wg sync.WaitGroup
}

// New builds the configured channels. A misconfigured email channel is
// logged and skipped.
func New(cfg model.NotifyConfig, logger *zap.Logger) (*Fanout, error) {
	logger = logger.Named("notify")
	redactor, err := NewRedactor(cfg.Redact)
	if err != nil {
		return nil, err
	}

	var channels []Channel
	client := NewHTTPClient(webhookTimeout)
	for _, wc := range cfg.Channels.Webhooks {
		if w, ok := NewWebhook(wc, client); ok {
			channels = append(channels, w)
		}
	}
	email, err := NewEmail(cfg.Channels.Email)
	switch {
	case err != nil:
		logger.Warn("email channel disabled", zap.Error(err))
	case email != nil:
		channels = append(channels, email)
	}
	if cfg.Channels.Desktop {
		channels = append(channels, NewDesktop())
	}

	f := NewFanout(NewPolicy(cfg), redactor, channels, logger)
	f.maxRetries = cfg.Retry.MaxRetries
	if cfg.Retry.BaseMs > 0 {
		f.base = time.Duration(cfg.Retry.BaseMs) * time.Millisecond
	}
	return f, nil
}

func NewFanout(policy Policy, redactor *Redactor, channels []Channel, logger *zap.Logger) *Fanout {
	if redactor == nil {
		redactor = &Redactor{maxBytes: defaultMaxTailBytes}
	}
	return &Fanout{
		Policy:   policy,
		Redactor: redactor,
		channels: channels,
		logger:   logger,
		base:     defaultRetryBase,
	}
}

// SetRetry overrides the delivery retry budget.
func (f *Fanout) SetRetry(maxRetries uint64, base time.Duration) {
	f.maxRetries = maxRetries
	if base > 0 {
		f.base = base
	}
}

func (f *Fanout) Channels() []Channel {
	return f.channels
}

func (f *Fanout) Notify(ctx context.Context, msg Message) error {
	if len(f.channels) == 0 {
		f.logger.Info("[notify] "+msg.Subject, zap.String("kind", string(msg.Kind)))
		return nil
	}
	// Deliveries outlive the caller's request.
	base := context.WithoutCancel(ctx)
	for _, ch := range f.channels {
		f.wg.Add(1)
		go func(ch Channel) {
			defer f.wg.Done()
			dctx, cancel := context.WithTimeout(base, deliveryTimeout)
			defer cancel()
			if err := f.deliver(dctx, ch, msg); err != nil {
				f.logger.Warn("notification delivery failed",
					zap.String("channel", ch.Name()),
					zap.String("kind", string(msg.Kind)),
					zap.Error(err))
			}
		}(ch)
	}
	return nil
}

// Deliver sends msg to every channel synchronously and reports each outcome.
func (f *Fanout) Deliver(ctx context.Context, msg Message) []Result {
	results := make([]Result, 0, len(f.channels))
	for _, ch := range f.channels {
		r := Result{Channel: ch.Name()}
		if err := f.deliver(ctx, ch, msg); err != nil {
			r.Error = err.Error()
		}
		results = append(results, r)
	}
	return results
}

// Wait blocks until background deliveries finish or ctx is done.
func (f *Fanout) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fanout) deliver(ctx context.Context, ch Channel, msg Message) error {
	b := retry.WithMaxRetries(f.maxRetries, retry.NewExponential(f.base))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		return ch.Send(ctx, msg)
	})
}
