// Package inventory is the client for the upstream supplies API: one
// availability check or booking call per invocation, with bounded retry
// for transient failures and a fixed outcome taxonomy for everything else.
package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/example/slotwatch/internal/backoff"
	"github.com/example/slotwatch/internal/opportunity"
)

// Outcome sentinels. Throttled and auth rejections are never retried
// here; they propagate straight to the key pool.
var (
	ErrAuthRejected = errors.New("inventory: credential rejected")
	ErrThrottled    = errors.New("inventory: upstream rate limit")
	ErrTransient    = errors.New("inventory: transient upstream failure")
)

// RejectedError is a definitive booking refusal, e.g. the slot was taken
// between claim and commit.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("inventory: booking rejected: %s", e.Reason)
}

func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

type Client struct {
	hc      *http.Client
	baseURL string

	maxRetries int
	retry      backoff.Policy
	sleep      func(ctx context.Context, d time.Duration) error
}

type Options struct {
	Timeout    time.Duration
	MaxRetries int
	Retry      backoff.Policy
}

func New(baseURL string, opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.Retry == (backoff.Policy{}) {
		opts.Retry = backoff.Default
	}
	return &Client{
		hc:         &http.Client{Timeout: opts.Timeout},
		baseURL:    baseURL,
		maxRetries: opts.MaxRetries,
		retry:      opts.Retry,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// --- wire types (supplies API shape) ---

type slotsResponse struct {
	Days []struct {
		Date  string `json:"date"` // YYYY-MM-DD
		Slots []struct {
			Time        string  `json:"time"` // e.g. "09:00-12:00"
			Coefficient float64 `json:"coefficient"`
			Quota       int     `json:"quota"`
		} `json:"slots"`
	} `json:"days"`
}

type bookingRequest struct {
	WarehouseID  int64  `json:"warehouseId"`
	Date         string `json:"date"`
	SlotTime     string `json:"slotTime"`
	DeliveryType string `json:"deliveryType"`
}

type bookingResponse struct {
	BookingID string `json:"bookingId"`
	Message   string `json:"message"`
}

type errorResponse struct {
	Message string `json:"message"`
}

type warehouse struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Warehouse is one bookable destination from the upstream catalog.
type Warehouse struct {
	ID   int64
	Name string
}

func slotsEndpoint(supplyType string) string {
	if supplyType == "mono_pallet" {
		return "/api/v3/supplies/slots/mono-pallet"
	}
	return "/api/v3/supplies/slots/box"
}

func bookingEndpoint(supplyType string) string {
	if supplyType == "mono_pallet" {
		return "/api/v3/supplies/booking/mono-pallet"
	}
	return "/api/v3/supplies/booking/box"
}

// Poll performs one availability check for target. Transient failures
// (network, 5xx) are retried with backoff and jitter while ctx allows;
// throttling and auth rejection return immediately.
func (c *Client) Poll(ctx context.Context, target opportunity.Target, secret string) ([]opportunity.Opportunity, error) {
	query := map[string]string{
		"warehouseId":  fmt.Sprintf("%d", target.WarehouseID),
		"dateFrom":     target.DateFrom.Format("2006-01-02"),
		"dateTo":       target.DateTo.Format("2006-01-02"),
		"deliveryType": target.DeliveryType,
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.retry.Delay(attempt-1)); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrTransient, err)
			}
		}

		status, body, err := c.do(ctx, http.MethodGet, slotsEndpoint(target.SupplyType), secret, query, nil)
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", ErrTransient, err)
			continue
		}

		switch {
		case status == http.StatusOK:
			var res slotsResponse
			if err := json.Unmarshal(body, &res); err != nil {
				return nil, fmt.Errorf("inventory: decode slots: %w", err)
			}
			return normalize(target.WarehouseID, res), nil
		case status == http.StatusUnauthorized:
			return nil, ErrAuthRejected
		case status == http.StatusTooManyRequests:
			return nil, ErrThrottled
		case status >= 500:
			lastErr = fmt.Errorf("%w: status=%d", ErrTransient, status)
			continue
		default:
			return nil, fmt.Errorf("inventory: slots request failed: %s (status=%d)", message(body), status)
		}
	}
	return nil, lastErr
}

// Book commits one slot. No local retry: the booking executor owns the
// retry loop because it is bounded by the claim lease.
func (c *Client) Book(ctx context.Context, target opportunity.Target, opp opportunity.Opportunity, secret string) (string, error) {
	req := bookingRequest{
		WarehouseID:  target.WarehouseID,
		Date:         opp.Date.Format("2006-01-02"),
		SlotTime:     opp.Slot,
		DeliveryType: target.DeliveryType,
	}
	jb, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	status, body, err := c.do(ctx, http.MethodPost, bookingEndpoint(target.SupplyType), secret, nil, jb)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}

	switch {
	case status == http.StatusOK || status == http.StatusCreated:
		var res bookingResponse
		if err := json.Unmarshal(body, &res); err != nil {
			return "", fmt.Errorf("inventory: decode booking: %w", err)
		}
		if res.BookingID == "" {
			return "", fmt.Errorf("%w: booking response without id", ErrTransient)
		}
		return res.BookingID, nil
	case status == http.StatusUnauthorized:
		return "", ErrAuthRejected
	case status == http.StatusTooManyRequests:
		return "", ErrThrottled
	case status == http.StatusConflict || status == http.StatusUnprocessableEntity:
		return "", &RejectedError{Reason: message(body)}
	case status >= 500:
		return "", fmt.Errorf("%w: status=%d", ErrTransient, status)
	default:
		return "", &RejectedError{Reason: fmt.Sprintf("%s (status=%d)", message(body), status)}
	}
}

// Warehouses fetches the upstream warehouse catalog. Also serves as the
// credential validation probe.
func (c *Client) Warehouses(ctx context.Context, secret string) ([]Warehouse, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/api/v3/warehouses", secret, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	switch {
	case status == http.StatusOK:
		var raw []warehouse
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, fmt.Errorf("inventory: decode warehouses: %w", err)
		}
		out := make([]Warehouse, 0, len(raw))
		for _, w := range raw {
			out = append(out, Warehouse{ID: w.ID, Name: w.Name})
		}
		return out, nil
	case status == http.StatusUnauthorized:
		return nil, ErrAuthRejected
	case status == http.StatusTooManyRequests:
		return nil, ErrThrottled
	case status >= 500:
		return nil, fmt.Errorf("%w: status=%d", ErrTransient, status)
	default:
		return nil, fmt.Errorf("inventory: warehouses request failed: %s (status=%d)", message(body), status)
	}
}

func (c *Client) do(ctx context.Context, method, endpoint, secret string, query map[string]string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+secret)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "slotwatch/"+Version)

	if query != nil {
		q := req.URL.Query()
		for k, v := range query {
			q.Add(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return res.StatusCode, nil, err
	}
	return res.StatusCode, b, nil
}

// Version is stamped by the build; the upstream asks for an identifying
// user agent.
var Version = "dev"

func normalize(warehouseID int64, res slotsResponse) []opportunity.Opportunity {
	var out []opportunity.Opportunity
	for _, day := range res.Days {
		d, err := time.Parse("2006-01-02", day.Date)
		if err != nil {
			continue
		}
		for _, s := range day.Slots {
			out = append(out, opportunity.Opportunity{
				WarehouseID: warehouseID,
				Date:        d,
				Slot:        s.Time,
				Coefficient: s.Coefficient,
				Quota:       s.Quota,
			})
		}
	}
	return out
}

func message(body []byte) string {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Message != "" {
		return er.Message
	}
	return "upstream error"
}
