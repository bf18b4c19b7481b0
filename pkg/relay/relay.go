package relay

import (
	"context"
	"sync"
	"time"

	"github.com/0xOucan/payvvm-relay/pkg/executor"
	"github.com/0xOucan/payvvm-relay/pkg/pool"
	"github.com/0xOucan/payvvm-relay/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// DefaultBatchLimit bounds how many pending records one poll cycle pulls.
const DefaultBatchLimit = 50

// Relay is the polling worker that drains the submission pool: each cycle
// lists pending records, claims them one at a time, executes, and records
// the outcome. One logical worker per process; any number of relay
// processes may race over a shared pool, with TryClaim as the only
// synchronization between them. Records are processed sequentially within a
// cycle: throughput is bounded by confirmation latency, which is the
// accepted trade for never risking a double execution.
type Relay struct {
	pool     pool.IAuthorizationPool
	executor *executor.Executor
	logger   *zap.Logger

	// executorAddress is the address this relay submits from, checked
	// against executor-restricted authorizations.
	executorAddress common.Address

	pollInterval time.Duration
	batchLimit   int

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewRelay(
	p pool.IAuthorizationPool,
	ex *executor.Executor,
	executorAddress common.Address,
	pollInterval time.Duration,
	logger *zap.Logger,
) *Relay {
	return &Relay{
		pool:            p,
		executor:        ex,
		executorAddress: executorAddress,
		pollInterval:    pollInterval,
		batchLimit:      DefaultBatchLimit,
		logger:          logger,
	}
}

// Start launches the poll loop. Returns immediately; the loop runs until
// ctx is cancelled or Stop is called.
func (r *Relay) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return // already running
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go r.run(loopCtx)

	r.logger.Sugar().Infow("Relay loop started",
		"pollInterval", r.pollInterval,
		"executorAddress", r.executorAddress.Hex(),
	)
}

// Stop cancels the loop and waits for the current cycle to finish.
func (r *Relay) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()

	r.logger.Sugar().Info("Relay loop stopped")
}

func (r *Relay) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.runCycle(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// runCycle drains one batch of pending records. Every failure is isolated:
// a bad record, a pool hiccup, or an unreachable node is logged and the
// loop carries on next tick.
func (r *Relay) runCycle(ctx context.Context) {
	pending, err := r.pool.ListPending(r.batchLimit)
	if err != nil {
		r.logger.Sugar().Warnw("Failed to list pending records", "error", err)
		return
	}

	for _, record := range pending {
		if ctx.Err() != nil {
			return
		}
		r.processRecord(ctx, record)
	}
}

func (r *Relay) processRecord(ctx context.Context, record *types.PendingRecord) {
	// An authorization restricted to a different executor is left pending:
	// the entitled relay may pick it up, failing it here would destroy it
	// for everyone.
	if restricted, ok := record.Authorization.RestrictedExecutor(); ok && restricted != r.executorAddress {
		return
	}

	claimed, err := r.pool.TryClaim(record.ID)
	if err != nil {
		r.logger.Sugar().Warnw("Failed to claim record", "id", record.ID, "error", err)
		return
	}
	if !claimed {
		// Another worker owns it this cycle.
		return
	}

	outcome := r.executor.Execute(ctx, record.Authorization)

	if err := r.pool.Complete(record.ID, outcome); err != nil {
		r.logger.Sugar().Errorw("Failed to record outcome",
			"id", record.ID,
			"executed", outcome.Executed,
			"error", err,
		)
		return
	}

	if outcome.Executed {
		r.logger.Sugar().Infow("Authorization executed",
			"id", record.ID,
			"sender", record.Authorization.Sender.Hex(),
			"kind", record.Authorization.Kind,
			"txHash", outcome.TxHash,
			"gasUsed", outcome.GasUsed,
		)
	} else {
		r.logger.Sugar().Infow("Authorization failed",
			"id", record.ID,
			"sender", record.Authorization.Sender.Hex(),
			"kind", record.Authorization.Kind,
			"reason", outcome.Reason,
			"detail", outcome.Detail,
		)
	}
}
