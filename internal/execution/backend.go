package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"whale-swarm/internal/bus"
)

// Side of an order.
const (
	SideBuy  = bus.SideBuy
	SideSell = bus.SideSell
)

// Status of a submitted order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Order is what the backend submits on-chain. Emergency orders run with
// relaxed slippage limits.
type Order struct {
	ID         string
	PositionID string
	Token      string
	Side       string
	Size       decimal.Decimal
	Emergency  bool
}

// Result is the terminal (or pending) observation for a submitted order.
type Result struct {
	Status Status
	Price  decimal.Decimal
}

// Backend abstracts the transaction execution service. Key management, gas
// and nonce handling, and broadcast live behind this interface.
type Backend interface {
	Submit(ctx context.Context, order Order) (txHash string, err error)
	Status(ctx context.Context, txHash string) (Result, error)
}

// ErrUnknownTx indicates a status query for a hash the backend never issued.
var ErrUnknownTx = errors.New("execution: unknown tx hash")

// QuoteFunc supplies the fill price for a token in the paper backend.
type QuoteFunc func(token string) decimal.Decimal

// Paper is an instant-fill backend for dry runs and tests. FailNext can be
// raised to make the next submissions fail, exercising retry paths.
type Paper struct {
	quote QuoteFunc

	mu       sync.Mutex
	fills    map[string]Result
	failNext int
}

// NewPaper builds a paper backend filling at quote(token).
func NewPaper(quote QuoteFunc) *Paper {
	return &Paper{quote: quote, fills: make(map[string]Result)}
}

// FailNext makes the next n submissions return an error.
func (p *Paper) FailNext(n int) {
	p.mu.Lock()
	p.failNext = n
	p.mu.Unlock()
}

// Submit fills the order immediately at the quoted price.
func (p *Paper) Submit(_ context.Context, order Order) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failNext > 0 {
		p.failNext--
		return "", errors.New("paper backend: simulated submit failure")
	}

	price := p.quote(order.Token)
	if !price.IsPositive() {
		return "", fmt.Errorf("paper backend: no quote for %s", order.Token)
	}

	hash := "0xpaper-" + uuid.NewString()
	p.fills[hash] = Result{Status: StatusConfirmed, Price: price}
	return hash, nil
}

// Status reports the stored fill.
func (p *Paper) Status(_ context.Context, txHash string) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	res, ok := p.fills[txHash]
	if !ok {
		return Result{}, ErrUnknownTx
	}
	return res, nil
}

var _ Backend = (*Paper)(nil)
