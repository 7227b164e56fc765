package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-swarm/internal/logging"
)

const oracleScorePath = "/score"

var (
	scoreMin = decimal.Zero
	scoreMax = decimal.NewFromInt(100)
)

// TokenMetadata describes the opportunity handed to the oracle.
type TokenMetadata struct {
	Token string          `json:"token"`
	TxID  string          `json:"tx_id"`
	Value decimal.Decimal `json:"value"`
}

// Oracle scores an opportunity with a confidence in [0,100]. Any error,
// including timeout, means the caller must treat the alert as dropped.
type Oracle interface {
	Score(ctx context.Context, meta TokenMetadata) (decimal.Decimal, error)
}

// HTTPOracleOptions parameterise the HTTP oracle client.
type HTTPOracleOptions struct {
	BaseURL   string
	Timeout   time.Duration
	Retries   int
	Backoff   time.Duration
	UserAgent string
}

// HTTPOracle calls an external scoring service. The concrete strategy behind
// the endpoint (rule-based or model-based) is opaque to this client.
type HTTPOracle struct {
	opts    HTTPOracleOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewHTTPOracle constructs an oracle client.
func NewHTTPOracle(opts HTTPOracleOptions, logger zerolog.Logger) *HTTPOracle {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	return &HTTPOracle{
		opts:    opts,
		logger:  logging.Component(logger, "scoring_oracle"),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// Score requests a confidence score, retrying transient failures up to the
// configured limit with fixed backoff.
func (o *HTTPOracle) Score(ctx context.Context, meta TokenMetadata) (decimal.Decimal, error) {
	if o.baseURL == "" {
		return decimal.Decimal{}, errors.New("oracle base url not configured")
	}

	var lastErr error
	for attempt := 0; attempt <= o.opts.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return decimal.Decimal{}, ctx.Err()
			case <-time.After(o.opts.Backoff):
			}
		}

		score, err := o.scoreOnce(ctx, meta)
		if err == nil {
			return score, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return decimal.Decimal{}, ctx.Err()
		}
		o.logger.Warn().Err(err).Int("attempt", attempt+1).Str("tx", meta.TxID).Msg("oracle call failed")
	}
	return decimal.Decimal{}, lastErr
}

func (o *HTTPOracle) scoreOnce(ctx context.Context, meta TokenMetadata) (decimal.Decimal, error) {
	body, err := json.Marshal(meta)
	if err != nil {
		return decimal.Decimal{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+oracleScorePath, bytes.NewReader(body))
	if err != nil {
		return decimal.Decimal{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(o.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "whaleswarm/1.0")
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, fmt.Errorf("oracle error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var res struct {
		Score     string `json:"score"`
		Reasoning string `json:"reasoning"`
	}
	if err := json.Unmarshal(payload, &res); err != nil {
		return decimal.Decimal{}, err
	}

	score, err := decimal.NewFromString(res.Score)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse score: %w", err)
	}
	if score.LessThan(scoreMin) || score.GreaterThan(scoreMax) {
		return decimal.Decimal{}, fmt.Errorf("score %s outside [0,100]", score)
	}
	return score, nil
}

var _ Oracle = (*HTTPOracle)(nil)
