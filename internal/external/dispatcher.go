package external

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/carebridge/intake-engine/internal/domain/referral"
)

// ErrStaleLookup indicates the lookup was superseded by a newer
// request for the same referral and its result must be discarded.
var ErrStaleLookup = errors.New("lookup superseded by a newer request")

// Dispatcher serializes lookups per referral: when a new lookup is
// issued while an older one is still in flight, the older call's
// context is cancelled and its result, should it still arrive, is
// reported as stale. Only the most recently issued lookup's result is
// ever applied.
type Dispatcher struct {
	client Client
	logger *zap.Logger

	mu       sync.Mutex
	inflight map[string]*lookupState
}

type lookupState struct {
	seq    uint64
	cancel context.CancelFunc
}

// NewDispatcher creates a dispatcher around client.
func NewDispatcher(client Client, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		client:   client,
		logger:   logger,
		inflight: make(map[string]*lookupState),
	}
}

// Lookup validates the request, cancels any older in-flight lookup
// for the same referral, and runs the search. A result arriving after
// a newer lookup was issued returns ErrStaleLookup regardless of the
// underlying outcome.
func (d *Dispatcher) Lookup(ctx context.Context, referralID string, req LookupRequest) (*referral.ExternalRecord, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)

	d.mu.Lock()
	state, ok := d.inflight[referralID]
	if !ok {
		state = &lookupState{}
		d.inflight[referralID] = state
	}
	if state.cancel != nil {
		state.cancel()
		d.logger.Debug("superseding in-flight lookup",
			zap.String("referral_id", referralID),
			zap.Uint64("seq", state.seq))
	}
	state.seq++
	state.cancel = cancel
	seq := state.seq
	d.mu.Unlock()

	rec, err := d.client.Lookup(ctx, req)

	d.mu.Lock()
	stale := state.seq != seq
	if !stale {
		cancel()
		delete(d.inflight, referralID)
	}
	d.mu.Unlock()

	if stale {
		return nil, ErrStaleLookup
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}
