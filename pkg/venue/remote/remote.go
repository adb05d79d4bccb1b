// Package remote submits orders to an external matching engine over HTTP.
// Fills and cancels come back through the node's venue webhook.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypermargin/pkg/venue"
)

// ErrRefused is returned by Submit when the venue answers but does not accept
// the order
var ErrRefused = errors.New("venue refused order")

// Config points the client at a venue
type Config struct {
	BaseURL       string
	Timeout       time.Duration // per request
	CancelRetries uint64
}

// Client implements venue.Venue against a REST matching engine:
//
//	POST   {base}/orders                  Submission JSON, 2xx = acknowledged
//	DELETE {base}/orders/{market}/{id}    404 = not resting
type Client struct {
	http    *resty.Client
	retries uint64
	log     *zap.SugaredLogger
}

type refusal struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// New creates a venue client
func New(cfg Config, log *zap.SugaredLogger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	return &Client{
		http: resty.New().
			SetBaseURL(base).
			SetTimeout(cfg.Timeout).
			SetHeader("Content-Type", "application/json"),
		retries: cfg.CancelRetries,
		log:     log,
	}
}

// Submit hands an order to the venue. It is not retried: the caller's ack
// window bounds it and a resend could double-place.
func (c *Client) Submit(ctx context.Context, s venue.Submission) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(s).
		SetError(&refusal{}).
		Post("/orders")
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("submit %s: %w", s.OrderID, err)
	}
	if resp.IsSuccess() {
		return nil
	}
	if resp.StatusCode() >= http.StatusInternalServerError {
		return fmt.Errorf("submit %s: venue status %d", s.OrderID, resp.StatusCode())
	}
	msg := resp.Status()
	if r, ok := resp.Error().(*refusal); ok && r.Message != "" {
		msg = r.Message
	}
	return fmt.Errorf("%w: %s", ErrRefused, msg)
}

// Cancel withdraws a resting order. Transport failures and 5xx are retried
// with exponential backoff until ctx ends.
func (c *Client) Cancel(ctx context.Context, market string, orderID uuid.UUID) error {
	op := func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetPathParams(map[string]string{"market": market, "id": orderID.String()}).
			Delete("/orders/{market}/{id}")
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		switch {
		case resp.IsSuccess():
			return nil
		case resp.StatusCode() == http.StatusNotFound:
			return backoff.Permanent(venue.ErrUnknownOrder)
		case resp.StatusCode() >= http.StatusInternalServerError:
			return fmt.Errorf("venue status %d", resp.StatusCode())
		default:
			return backoff.Permanent(fmt.Errorf("cancel %s: venue status %d", orderID, resp.StatusCode()))
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.retries), ctx)
	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		c.log.Warnw("venue_cancel_retry", "order_id", orderID, "market", market, "wait", wait, "err", err)
	})
	return err
}
