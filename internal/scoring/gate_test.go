package scoring

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-swarm/internal/bus"
	"whale-swarm/internal/consensus"
)

type stubOracle struct {
	score decimal.Decimal
	err   error
	delay time.Duration

	mu    sync.Mutex
	calls int
}

func (s *stubOracle) Score(ctx context.Context, _ TokenMetadata) (decimal.Decimal, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return decimal.Decimal{}, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	return s.score, s.err
}

type stubRounds struct {
	mu       sync.Mutex
	subjects []consensus.Subject
}

func (s *stubRounds) Open(_ context.Context, subject consensus.Subject, _ string) (*consensus.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subjects = append(s.subjects, subject)
	return consensus.NewRound("r", subject, 2, time.Now().Add(time.Minute), nil, nil), nil
}

func (s *stubRounds) opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subjects)
}

func alert(txid string, value int64) bus.WhaleAlert {
	return bus.WhaleAlert{Token: "0xdead", TxID: txid, Value: decimal.NewFromInt(value), DetectedAt: time.Now().UTC()}
}

func TestGateOpensRoundAboveThreshold(t *testing.T) {
	b := bus.New(bus.Options{}, zerolog.Nop())
	rounds := &stubRounds{}
	g := NewGate(GateOptions{Threshold: decimal.NewFromInt(70), Timeout: time.Second},
		&stubOracle{score: decimal.NewFromInt(80)}, rounds, b, zerolog.Nop())

	g.Evaluate(context.Background(), alert("0x01", 250), "corr")

	if rounds.opened() != 1 {
		t.Fatalf("expected one round, got %d", rounds.opened())
	}
	subject := rounds.subjects[0]
	if subject.TxID != "0x01" || !subject.Score.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("unexpected subject: %+v", subject)
	}
}

func TestGateDropsBelowThreshold(t *testing.T) {
	b := bus.New(bus.Options{}, zerolog.Nop())
	sub, _ := b.Subscribe(bus.ChannelAnalysis, "observer")
	rounds := &stubRounds{}
	g := NewGate(GateOptions{Threshold: decimal.NewFromInt(70), Timeout: time.Second},
		&stubOracle{score: decimal.NewFromInt(42)}, rounds, b, zerolog.Nop())

	g.Evaluate(context.Background(), alert("0x02", 250), "corr")

	if rounds.opened() != 0 {
		t.Fatal("low score must not open a round")
	}

	var result bus.AnalysisResult
	for {
		select {
		case msg := <-sub.C():
			if msg.Type != bus.TypeAnalysisResult {
				continue
			}
			if err := msg.Decode(&result); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !result.Dropped {
				t.Fatalf("expected dropped result, got %+v", result)
			}
			return
		case <-time.After(time.Second):
			t.Fatal("no analysis result published")
		}
	}
}

func TestGateFailsClosedOnOracleError(t *testing.T) {
	b := bus.New(bus.Options{}, zerolog.Nop())
	rounds := &stubRounds{}
	g := NewGate(GateOptions{Threshold: decimal.NewFromInt(70), Timeout: time.Second},
		&stubOracle{err: errors.New("oracle down")}, rounds, b, zerolog.Nop())

	g.Evaluate(context.Background(), alert("0x03", 250), "corr")

	if rounds.opened() != 0 {
		t.Fatal("oracle failure must never be treated as approval")
	}
}

func TestGateFailsClosedOnOracleTimeout(t *testing.T) {
	b := bus.New(bus.Options{}, zerolog.Nop())
	rounds := &stubRounds{}
	g := NewGate(GateOptions{Threshold: decimal.NewFromInt(70), Timeout: 50 * time.Millisecond},
		&stubOracle{score: decimal.NewFromInt(99), delay: time.Second}, rounds, b, zerolog.Nop())

	g.Evaluate(context.Background(), alert("0x04", 250), "corr")

	if rounds.opened() != 0 {
		t.Fatal("oracle timeout must drop the alert")
	}
}

func TestGateRunDeduplicatesInflightAlerts(t *testing.T) {
	b := bus.New(bus.Options{}, zerolog.Nop())
	rounds := &stubRounds{}
	oracle := &stubOracle{score: decimal.NewFromInt(90), delay: 100 * time.Millisecond}
	g := NewGate(GateOptions{Threshold: decimal.NewFromInt(70), Timeout: time.Second}, oracle, rounds, b, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = g.Run(ctx)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		msg, _ := bus.NewMessage(bus.TypeWhaleAlert, bus.RoleDetector, alert("0xsame", 300))
		if err := b.Publish(ctx, bus.ChannelMarket, msg); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	time.Sleep(300 * time.Millisecond)
	cancel()
	<-done

	oracle.mu.Lock()
	calls := oracle.calls
	oracle.mu.Unlock()
	if calls != 1 {
		t.Fatalf("in-flight alert must be scored once, oracle saw %d calls", calls)
	}
}
