package consensus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"whale-swarm/internal/bus"
	"whale-swarm/internal/logging"
	"whale-swarm/internal/metrics"
)

const (
	decisionApprove = bus.DecisionApprove
	decisionReject  = bus.DecisionReject
	decisionVeto    = bus.DecisionVeto
)

var (
	// ErrRoundClosed indicates a vote arrived after the terminal transition.
	ErrRoundClosed = errors.New("consensus: round already resolved")
	// ErrUnexpectedVoter indicates a vote from an agent outside the round's
	// designated voter set.
	ErrUnexpectedVoter = errors.New("consensus: vote from unexpected agent")
)

// Options configure round creation.
type Options struct {
	RequiredApprovals int
	Timeout           time.Duration
	// Voters is the designated gating agent set for every round.
	Voters []string
	// VetoAgents is the subset whose VETO unilaterally rejects.
	VetoAgents []string
	// RoundRetention keeps a resolved round around long enough for
	// stragglers to be logged as late votes before it is dropped.
	RoundRetention time.Duration
}

// Coordinator owns all in-flight rounds. It opens rounds for eligible
// opportunities, collects votes from the consensus channel, and guarantees a
// single terminal resolution per round under concurrent vote delivery.
type Coordinator struct {
	opts   Options
	bus    *bus.Bus
	logger zerolog.Logger

	mu     sync.Mutex
	rounds map[string]*Round
	openTx map[string]string // tx id -> pending round id
}

// New constructs a coordinator.
func New(opts Options, b *bus.Bus, logger zerolog.Logger) *Coordinator {
	if opts.RequiredApprovals <= 0 {
		opts.RequiredApprovals = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RoundRetention <= 0 {
		opts.RoundRetention = time.Minute
	}
	return &Coordinator{
		opts:   opts,
		bus:    b,
		logger: logging.Component(logger, "consensus_coordinator"),
		rounds: make(map[string]*Round),
		openTx: make(map[string]string),
	}
}

// Open starts a round for subject, or returns the already-pending round for
// the same tx id (duplicate alerts are idempotent). The round's deadline
// timer starts immediately.
func (c *Coordinator) Open(ctx context.Context, subject Subject, correlationID string) (*Round, error) {
	c.mu.Lock()
	if id, ok := c.openTx[subject.TxID]; ok {
		round := c.rounds[id]
		c.mu.Unlock()
		c.logger.Debug().Str("tx", subject.TxID).Str("round", id).Msg("round already open for tx")
		return round, nil
	}

	round := NewRound(
		uuid.NewString(),
		subject,
		c.opts.RequiredApprovals,
		time.Now().UTC().Add(c.opts.Timeout),
		c.opts.Voters,
		c.opts.VetoAgents,
	)
	round.CorrelationID = correlationID
	c.rounds[round.ID] = round
	c.openTx[subject.TxID] = round.ID
	c.mu.Unlock()

	req := bus.ConsensusRequest{
		RoundID:           round.ID,
		Token:             subject.Token,
		TxID:              subject.TxID,
		Value:             subject.Value,
		Score:             subject.Score,
		RequiredApprovals: round.RequiredApprovals,
		Deadline:          round.Deadline,
	}
	msg, err := bus.NewMessage(bus.TypeConsensusRequest, bus.RoleCoordinator, req)
	if err != nil {
		return nil, err
	}
	if err := c.bus.Publish(ctx, bus.ChannelConsensus, msg.WithCorrelation(correlationID)); err != nil {
		return nil, err
	}

	time.AfterFunc(time.Until(round.Deadline), func() {
		if out, terminal := round.Expire(); terminal {
			c.logger.Info().Str("round", round.ID).Msg("round deadline elapsed without quorum")
			c.finish(context.Background(), round, out)
		}
	})

	c.logger.Info().
		Str("round", round.ID).
		Str("token", subject.Token).
		Int("required_approvals", round.RequiredApprovals).
		Time("deadline", round.Deadline).
		Msg("consensus round opened")
	return round, nil
}

// Run consumes CONSENSUS_VOTE messages until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	sub, err := c.bus.Subscribe(bus.ChannelConsensus, bus.RoleCoordinator)
	if err != nil {
		return err
	}
	defer c.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			if msg.Type != bus.TypeConsensusVote {
				continue
			}
			var vote bus.ConsensusVote
			if err := msg.Decode(&vote); err != nil {
				c.logger.Error().Err(err).Msg("malformed consensus vote")
				continue
			}
			c.HandleVote(ctx, vote)
		}
	}
}

// HandleVote applies a vote to its round.
func (c *Coordinator) HandleVote(ctx context.Context, vote bus.ConsensusVote) {
	c.mu.Lock()
	round, ok := c.rounds[vote.RoundID]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn().Str("round", vote.RoundID).Str("agent", vote.Agent).Msg("vote for unknown round discarded")
		return
	}

	out, terminal, err := round.CastVote(Vote{
		Agent:    vote.Agent,
		Decision: vote.Decision,
		Reason:   vote.Reason,
		At:       time.Now().UTC(),
	})
	switch {
	case errors.Is(err, ErrRoundClosed):
		c.logger.Info().
			Str("round", round.ID).
			Str("agent", vote.Agent).
			Str("state", string(out.State)).
			Msg("late vote discarded")
		return
	case errors.Is(err, ErrUnexpectedVoter):
		c.logger.Warn().Str("round", round.ID).Str("agent", vote.Agent).Msg("vote from undesignated agent discarded")
		return
	}

	if terminal {
		c.finish(ctx, round, out)
	}
}

// finish publishes the terminal resolution and releases the tx index.
// Exactly one caller ever observes terminal=true for a given round, so the
// result is published exactly once.
func (c *Coordinator) finish(ctx context.Context, round *Round, out Outcome) {
	c.mu.Lock()
	if c.openTx[round.Subject.TxID] == round.ID {
		delete(c.openTx, round.Subject.TxID)
	}
	c.mu.Unlock()

	time.AfterFunc(c.opts.RoundRetention, func() {
		c.mu.Lock()
		delete(c.rounds, round.ID)
		c.mu.Unlock()
	})

	metrics.RoundsResolvedTotal.WithLabelValues(string(out.State)).Inc()

	result := bus.ConsensusResult{
		RoundID:    round.ID,
		Token:      round.Subject.Token,
		TxID:       round.Subject.TxID,
		Value:      round.Subject.Value,
		Score:      round.Subject.Score,
		Approved:   out.State == StateApproved,
		Approvals:  out.Approvals,
		Rejections: out.Rejections,
		Vetoed:     out.Vetoed,
	}
	msg, err := bus.NewMessage(bus.TypeConsensusResult, bus.RoleCoordinator, result)
	if err != nil {
		c.logger.Error().Err(err).Str("round", round.ID).Msg("failed to build consensus result")
		return
	}
	if err := c.bus.Publish(ctx, bus.ChannelConsensus, msg.WithCorrelation(round.CorrelationID)); err != nil {
		c.logger.Error().Err(err).Str("round", round.ID).Msg("failed to publish consensus result")
		return
	}

	c.logger.Info().
		Str("round", round.ID).
		Str("state", string(out.State)).
		Int("approvals", out.Approvals).
		Int("rejections", out.Rejections).
		Bool("vetoed", out.Vetoed).
		Msg("consensus round resolved")
}
