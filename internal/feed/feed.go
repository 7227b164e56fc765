package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-swarm/internal/bus"
	"whale-swarm/internal/logging"
)

// TokenLister supplies the tokens worth polling. The position manager
// implements it with its live position set.
type TokenLister interface {
	Tokens() []string
}

// Options parameterise the price feed.
type Options struct {
	BaseURL      string
	PollInterval time.Duration
	Timeout      time.Duration
	UserAgent    string
}

// Feed polls spot prices for tokens with live positions and publishes them
// as price updates on the market channel.
type Feed struct {
	opts    Options
	tokens  TokenLister
	bus     *bus.Bus
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// New constructs a price feed.
func New(opts Options, tokens TokenLister, b *bus.Bus, logger zerolog.Logger) *Feed {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}

	return &Feed{
		opts:    opts,
		tokens:  tokens,
		bus:     b,
		logger:  logging.Component(logger, "price_feed"),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// Run polls until ctx is done. Per-token fetch failures are logged and the
// token retried on the next tick.
func (f *Feed) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			f.poll(ctx)
		}
	}
}

func (f *Feed) poll(ctx context.Context) {
	for _, token := range f.tokens.Tokens() {
		price, err := f.FetchPrice(ctx, token)
		if err != nil {
			f.logger.Warn().Err(err).Str("token", token).Msg("price fetch failed")
			continue
		}

		update := bus.PriceUpdate{Token: token, Price: price, At: time.Now().UTC()}
		msg, err := bus.NewMessage(bus.TypePriceUpdate, bus.RoleFeed, update)
		if err != nil {
			f.logger.Error().Err(err).Str("token", token).Msg("failed to build price update")
			continue
		}
		if err := f.bus.Publish(ctx, bus.ChannelMarket, msg); err != nil {
			f.logger.Error().Err(err).Str("token", token).Msg("failed to publish price update")
		}
	}
}

type priceResponse struct {
	Price json.Number `json:"price"`
}

// FetchPrice retrieves the spot price for a token.
func (f *Feed) FetchPrice(ctx context.Context, token string) (decimal.Decimal, error) {
	endpoint := fmt.Sprintf("%s/tokens/%s/price", f.baseURL, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(f.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "whaleswarm/1.0")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, fmt.Errorf("price api error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var parsed priceResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode price response: %w", err)
	}

	price, err := decimal.NewFromString(parsed.Price.String())
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse price: %w", err)
	}
	if !price.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("non-positive price for %s: %s", token, price)
	}
	return price, nil
}
