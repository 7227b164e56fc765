package scoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func TestHTTPOracleSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var meta TokenMetadata
		if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if meta.Token == "" || meta.TxID == "" {
			t.Fatalf("request missing token metadata: %+v", meta)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"score": "83.5"})
	}))
	defer srv.Close()

	o := NewHTTPOracle(HTTPOracleOptions{BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	score, err := o.Score(context.Background(), TokenMetadata{Token: "0xdead", TxID: "0x01", Value: decimal.NewFromInt(250)})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if !score.Equal(decimal.RequireFromString("83.5")) {
		t.Fatalf("unexpected score %s", score)
	}
}

func TestHTTPOracleRejectsOutOfRangeScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"score": "150"})
	}))
	defer srv.Close()

	o := NewHTTPOracle(HTTPOracleOptions{BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	if _, err := o.Score(context.Background(), TokenMetadata{Token: "0xdead", TxID: "0x01"}); err == nil {
		t.Fatal("score above 100 must be an error")
	}
}

func TestHTTPOracleRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"score": "60"})
	}))
	defer srv.Close()

	o := NewHTTPOracle(HTTPOracleOptions{
		BaseURL: srv.URL,
		Timeout: time.Second,
		Retries: 3,
		Backoff: time.Millisecond,
	}, zerolog.Nop())

	score, err := o.Score(context.Background(), TokenMetadata{Token: "0xdead", TxID: "0x01"})
	if err != nil {
		t.Fatalf("score after retries: %v", err)
	}
	if !score.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("unexpected score %s", score)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 oracle calls, got %d", calls.Load())
	}
}

func TestHTTPOracleExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	o := NewHTTPOracle(HTTPOracleOptions{BaseURL: srv.URL, Timeout: time.Second, Retries: 2, Backoff: time.Millisecond}, zerolog.Nop())
	if _, err := o.Score(context.Background(), TokenMetadata{Token: "0xdead", TxID: "0x01"}); err == nil {
		t.Fatal("exhausted retries must surface an error")
	}
}
