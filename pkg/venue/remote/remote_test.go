package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypermargin/pkg/app/core"
	"github.com/uhyunpark/hypermargin/pkg/venue"
)

func newClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/", Timeout: time.Second, CancelRetries: 3}, zap.NewNop().Sugar())
}

func submission() venue.Submission {
	return venue.Submission{
		OrderID: uuid.New(),
		Market:  "BTC-PERP",
		Side:    core.Buy,
		Type:    core.Limit,
		Price:   decimal.RequireFromString("40000"),
		Size:    decimal.RequireFromString("0.1"),
	}
}

func TestSubmitAcknowledged(t *testing.T) {
	var got venue.Submission
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/orders", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))

	s := submission()
	require.NoError(t, c.Submit(context.Background(), s))
	assert.Equal(t, s.OrderID, got.OrderID)
	assert.Equal(t, core.Buy, got.Side)
	assert.True(t, got.Price.Equal(s.Price))
}

func TestSubmitRefused(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"WOULD_CROSS","message":"post-only would cross"}`))
	}))

	err := c.Submit(context.Background(), submission())
	require.ErrorIs(t, err, ErrRefused)
	assert.Contains(t, err.Error(), "post-only would cross")
}

func TestSubmitHonorsContext(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Submit(ctx, submission())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCancelNotResting(t *testing.T) {
	id := uuid.New()
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/orders/BTC-PERP/"+id.String(), r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}))

	assert.ErrorIs(t, c.Cancel(context.Background(), "BTC-PERP", id), venue.ErrUnknownOrder)
}

func TestCancelRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	require.NoError(t, c.Cancel(context.Background(), "BTC-PERP", uuid.New()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestCancelDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))

	assert.Error(t, c.Cancel(context.Background(), "BTC-PERP", uuid.New()))
	assert.Equal(t, int32(1), calls.Load())
}
