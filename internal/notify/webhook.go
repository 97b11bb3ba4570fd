package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/sethvargo/go-retry"

	"github.com/msageha/heimdall/internal/model"
)

const (
	KindGeneric = "generic"
	KindDiscord = "discord"

	discordContentLimit = 1990
	webhookTimeout      = 10 * time.Second

	HeaderTimestamp = "X-Heimdall-Timestamp"
	HeaderSignature = "X-Heimdall-Signature"
	HeaderKind      = "X-Heimdall-Kind"
)

// Webhook posts JSON payloads. Discord targets receive {"content": ...},
// every other target {"text": ...}.
type Webhook struct {
	url    string
	kind   string
	secret string
	client *http.Client
	now    func() time.Time
}

// NewWebhook resolves the target URL, preferring an explicit url over the
// named environment variable. ok is false when neither yields a URL.
func NewWebhook(cfg model.WebhookConfig, client *http.Client) (*Webhook, bool) {
	url := cfg.URL
	if url == "" && cfg.Env != "" {
		url = os.Getenv(cfg.Env)
	}
	if url == "" {
		return nil, false
	}
	kind := cfg.Kind
	if kind == "" {
		kind = KindGeneric
	}
	var secret string
	if cfg.SecretEnv != "" {
		secret = os.Getenv(cfg.SecretEnv)
	}
	if client == nil {
		client = NewHTTPClient(webhookTimeout)
	}
	return &Webhook{url: url, kind: kind, secret: secret, client: client, now: time.Now}, true
}

func NewHTTPClient(timeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: tr, Timeout: timeout}
}

func (w *Webhook) Name() string {
	return "webhook:" + w.kind
}

// Payload renders the request body for msg.
func (w *Webhook) Payload(msg Message) ([]byte, error) {
	if w.kind == KindDiscord {
		return json.Marshal(map[string]string{"content": truncateRunes(msg.Text, discordContentLimit)})
	}
	return json.Marshal(map[string]string{"text": msg.Text})
}

// Send posts msg once. Transport failures and 408/429/5xx responses are
// retryable; other non-2xx responses are not.
func (w *Webhook) Send(ctx context.Context, msg Message) error {
	body, err := w.Payload(msg)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderKind, string(msg.Kind))
	if w.secret != "" {
		ts := strconv.FormatInt(w.now().Unix(), 10)
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderSignature, "v1="+Sign(w.secret, ts, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return retry.RetryableError(fmt.Errorf("post webhook: %w", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	statusErr := fmt.Errorf("webhook returned %d", resp.StatusCode)
	if retryableStatus(resp.StatusCode) {
		return retry.RetryableError(statusErr)
	}
	return statusErr
}

// Sign returns hex(hmac_sha256(secret, timestamp + "." + body)).
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func retryableStatus(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
