package chain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Event is one observed transaction, normalized for the detector.
// Token is the traded token when the source can extract it from calldata;
// a zero Token means only the called contract is known.
type Event struct {
	From      common.Address
	To        common.Address
	Token     common.Address
	Value     decimal.Decimal
	TxID      string
	Timestamp time.Time
}

// Source produces a stream of chain events. Run blocks until ctx is done;
// Events is closed when Run returns.
type Source interface {
	Run(ctx context.Context) error
	Events() <-chan Event
}

// StaticSource replays a fixed event slice. Used by tests and dry runs.
type StaticSource struct {
	events []Event
	out    chan Event
}

// NewStaticSource builds a replay source over events.
func NewStaticSource(events []Event) *StaticSource {
	return &StaticSource{events: events, out: make(chan Event)}
}

// Run emits every event in order, then waits for cancellation.
func (s *StaticSource) Run(ctx context.Context) error {
	defer close(s.out)
	for _, ev := range s.events {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s.out <- ev:
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

// Events returns the outbound event stream.
func (s *StaticSource) Events() <-chan Event {
	return s.out
}

var _ Source = (*StaticSource)(nil)
