// Package delivery holds the outbound side effects of campaigns and
// automations. Every call returns a Result instead of an error so callers can
// keep going and log what did not arrive.
package delivery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds a single delivery call.
const DefaultTimeout = 10 * time.Second

// Result is Ok or DeliveryFailed(reason).
type Result struct {
	OK         bool   `json:"ok"`
	Reason     string `json:"reason,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	// Permanent failures are not worth retrying (bad input, 4xx).
	Permanent bool `json:"permanent,omitempty"`
}

func Ok() Result { return Result{OK: true} }

func Failed(format string, args ...any) Result {
	return Result{Reason: fmt.Sprintf(format, args...)}
}

func FailedPermanent(format string, args ...any) Result {
	return Result{Reason: fmt.Sprintf(format, args...), Permanent: true}
}

func (r Result) String() string {
	if r.OK {
		return "ok"
	}
	return "delivery failed: " + r.Reason
}

// Recipient identifies who an email goes to and which run sent it.
type Recipient struct {
	Email     string
	FirstName string
	LastName  string
	ContactID string
	StoreID   string
	RunID     string
	NodeID    string
}

type EmailSender interface {
	SendTemplatedEmail(ctx context.Context, templateID string, recipient Recipient) Result
}

type WebhookPoster interface {
	PostWebhook(ctx context.Context, url string, payload any) Result
}

type Messenger interface {
	SendDirectMessage(ctx context.Context, accessToken, recipientID, text string) Result
	PostCommentReply(ctx context.Context, accessToken, commentID, text string) Result
}

// httpResult classifies a finished HTTP exchange.
func httpResult(service string, resp *http.Response) Result {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Ok()
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	res := Failed("%s %s: %s", service, resp.Status, strings.TrimSpace(string(body)))
	res.StatusCode = resp.StatusCode
	// 408 and 429 are transient even though they are 4xx.
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		res.Permanent = true
	}
	return res
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultTimeout
	}
	return context.WithTimeout(ctx, d)
}
