package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-swarm/internal/logging"
)

// PollerOptions parameterise the block poller.
type PollerOptions struct {
	RPCURL       string
	PollInterval time.Duration
	// Watch restricts emitted events to transactions sent to these addresses.
	// Empty means every transaction is emitted.
	Watch []common.Address
	// Buffer bounds the outbound event channel.
	Buffer int
}

// Poller walks new blocks over JSON-RPC and emits their transactions as
// normalized events. Native transfer value is converted at 18 decimals.
type Poller struct {
	opts   PollerOptions
	logger zerolog.Logger
	out    chan Event
	watch  map[common.Address]bool

	clientMux sync.Mutex
	client    *ethclient.Client
	signer    types.Signer
}

// NewPoller builds a block poller.
func NewPoller(opts PollerOptions, logger zerolog.Logger) *Poller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 512
	}
	watch := make(map[common.Address]bool, len(opts.Watch))
	for _, addr := range opts.Watch {
		watch[addr] = true
	}
	return &Poller{
		opts:   opts,
		logger: logging.Component(logger, "chain_poller"),
		out:    make(chan Event, opts.Buffer),
		watch:  watch,
	}
}

// Events returns the outbound event stream.
func (p *Poller) Events() <-chan Event {
	return p.out
}

// Run polls for new blocks until ctx is cancelled. RPC errors are logged and
// retried on the next interval; genuinely new blocks are never skipped.
func (p *Poller) Run(ctx context.Context) error {
	defer close(p.out)

	if p.opts.RPCURL == "" {
		return errors.New("chain rpc url not configured")
	}

	var last uint64
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		head, err := p.head(ctx)
		if err != nil {
			p.logger.Warn().Err(err).Msg("failed to fetch chain head")
			continue
		}

		if last == 0 {
			// First observation: start from the current head, do not backfill.
			last = head
			continue
		}

		for n := last + 1; n <= head; n++ {
			if err := p.emitBlock(ctx, n); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				p.logger.Warn().Err(err).Uint64("block", n).Msg("failed to read block, will retry")
				break
			}
			last = n
		}
	}
}

func (p *Poller) head(ctx context.Context) (uint64, error) {
	client, _, err := p.getClient(ctx)
	if err != nil {
		return 0, err
	}
	return client.BlockNumber(ctx)
}

func (p *Poller) emitBlock(ctx context.Context, number uint64) error {
	client, signer, err := p.getClient(ctx)
	if err != nil {
		return err
	}

	block, err := client.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return err
	}

	ts := time.Unix(int64(block.Time()), 0).UTC()
	for _, tx := range block.Transactions() {
		to := tx.To()
		if to == nil {
			continue
		}
		if len(p.watch) > 0 && !p.watch[*to] {
			continue
		}

		from, err := types.Sender(signer, tx)
		if err != nil {
			p.logger.Debug().Err(err).Str("tx", tx.Hash().Hex()).Msg("cannot recover sender")
			continue
		}

		ev := Event{
			From:      from,
			To:        *to,
			Value:     decimal.NewFromBigInt(tx.Value(), -18),
			TxID:      tx.Hash().Hex(),
			Timestamp: ts,
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case p.out <- ev:
		}
	}
	return nil
}

func (p *Poller) getClient(ctx context.Context) (*ethclient.Client, types.Signer, error) {
	p.clientMux.Lock()
	defer p.clientMux.Unlock()

	if p.client != nil {
		return p.client, p.signer, nil
	}

	client, err := ethclient.DialContext(ctx, p.opts.RPCURL)
	if err != nil {
		return nil, nil, err
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, nil, err
	}

	p.client = client
	p.signer = types.LatestSignerForChainID(chainID)
	return p.client, p.signer, nil
}

var _ Source = (*Poller)(nil)
