package channel

import (
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/predicta/internal/clearnode/rpc"
	"github.com/alanyoungcy/predicta/internal/domain"
)

// pendingOp is the registry's record of one in-flight operation.
type pendingOp struct {
	domain.PendingOperation

	// awaiting is true until the counterparty's response is delivered.
	awaiting bool
	// prev is the channel status to restore if the operation fails.
	prev domain.ChannelStatus
	// reply receives the correlated response; it holds at most one.
	reply chan rpc.Envelope
	// cancelled is closed when the operation is abandoned.
	cancelled chan struct{}
}

// registry tracks pending operations. A Create blocks every other
// operation of the user; otherwise each channel carries at most one
// operation at a time. Callers hold the coordinator lock.
type registry struct {
	ops map[uuid.UUID]*pendingOp
}

func newRegistry() *registry {
	return &registry{ops: make(map[uuid.UUID]*pendingOp)}
}

// begin admits a new operation or reports false when one conflicts.
func (r *registry) begin(kind domain.OpKind, channelID common.Hash, expected *big.Int, now time.Time) (*pendingOp, bool) {
	for _, op := range r.ops {
		if op.Kind == domain.OpCreate || kind == domain.OpCreate {
			return nil, false
		}
		if op.ChannelID == channelID {
			return nil, false
		}
	}

	op := &pendingOp{
		PendingOperation: domain.PendingOperation{
			ID:          uuid.New(),
			Kind:        kind,
			ChannelID:   channelID,
			RequestedAt: now,
		},
		awaiting:  true,
		reply:     make(chan rpc.Envelope, 1),
		cancelled: make(chan struct{}),
	}
	if expected != nil {
		op.ExpectedAmount = new(big.Int).Set(expected)
	}
	r.ops[op.ID] = op
	return op, true
}

// current reports whether op is still the registered operation.
func (r *registry) current(op *pendingOp) bool {
	return r.ops[op.ID] == op
}

func (r *registry) get(id uuid.UUID) (*pendingOp, bool) {
	op, ok := r.ops[id]
	return op, ok
}

func (r *registry) finish(op *pendingOp) {
	if r.current(op) {
		delete(r.ops, op.ID)
	}
}

// abandon removes the operation and wakes its waiter.
func (r *registry) abandon(id uuid.UUID) (*pendingOp, bool) {
	op, ok := r.ops[id]
	if !ok {
		return nil, false
	}
	delete(r.ops, id)
	close(op.cancelled)
	return op, true
}

// onChannel reports whether any operation is pending on channelID.
func (r *registry) onChannel(channelID common.Hash) bool {
	for _, op := range r.ops {
		if op.ChannelID == channelID {
			return true
		}
	}
	return false
}

// snapshot lists the operations oldest first.
func (r *registry) snapshot() []domain.PendingOperation {
	out := make([]domain.PendingOperation, 0, len(r.ops))
	for _, op := range r.ops {
		pending := op.PendingOperation
		if op.ExpectedAmount != nil {
			pending.ExpectedAmount = new(big.Int).Set(op.ExpectedAmount)
		}
		out = append(out, pending)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}
