// Package query implements the alpha-concurrent, round-barrier lookup
// engine of spec.md §4.8: a single lookup over a target key, driven by a
// caller-supplied query function and stop predicate, emitting an event
// stream and terminating with exactly one reason.
package query

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/nmxmxh/kaddht/internal/kad/kaderr"
	"github.com/nmxmxh/kaddht/internal/kad/keyspace"
)

// Defaults from spec.md §4.8.
const (
	DefaultAlpha   = 3
	DefaultTimeout = 60 * time.Second
)

// TerminationReason reports why a lookup stopped.
type TerminationReason int

const (
	Success TerminationReason = iota
	Timeout
	Cancelled
	NoMorePeers
)

func (r TerminationReason) String() string {
	switch r {
	case Success:
		return "success"
	case Timeout:
		return "timeout"
	case Cancelled:
		return "cancelled"
	case NoMorePeers:
		return "no_more_peers"
	default:
		return "unknown"
	}
}

// Event is the lookup's observable output. Kind says which of the other
// fields are set, as grouped below.
type Event struct {
	Kind EventKind

	// PeerQueried / PeerQueryFailed
	Peer    peer.ID
	Err     error // set on PeerQueryFailed
	Learned []peer.ID

	// QueryTerminated
	Reason TerminationReason
}

// EventKind discriminates Event.
type EventKind int

const (
	PeerQueried EventKind = iota
	PeerQueryFailed
	QueryTerminated
)

// QueryFunc performs one round's RPC to p, returning the peers it reports
// closer to the lookup target.
type QueryFunc func(ctx context.Context, p peer.ID) ([]peer.ID, error)

// StopFunc decides whether the lookup has gathered enough to stop.
type StopFunc func(*PeerSet) bool

// Config configures a Lookup.
type Config struct {
	Target  keyspace.ID
	Alpha   int           // default DefaultAlpha
	Timeout time.Duration // default DefaultTimeout
	QueryFn QueryFunc     // required
	StopFn  StopFunc      // required
	Logger  *slog.Logger
}

// Lookup is a single reusable lookup runner: Run may be invoked again
// after a prior run completes, but not while one is in progress.
type Lookup struct {
	alpha   int
	timeout time.Duration
	queryFn QueryFunc
	stopFn  StopFunc
	logger  *slog.Logger

	mu                  sync.Mutex
	running             bool
	cancelled           bool
	cancelledForNextRun bool
	cancelRunningFunc   context.CancelFunc

	peerSet *PeerSet
}

// New builds a Lookup. Target is fixed at construction; QueryFn and
// StopFn are required.
func New(cfg Config) (*Lookup, error) {
	if cfg.QueryFn == nil || cfg.StopFn == nil {
		return nil, kaderr.New(kaderr.CodeConfigInvalid, "lookup requires both a query function and a stop function")
	}
	alpha := cfg.Alpha
	if alpha == 0 {
		alpha = DefaultAlpha
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Lookup{
		alpha:   alpha,
		timeout: timeout,
		queryFn: cfg.QueryFn,
		stopFn:  cfg.StopFn,
		logger:  logger.With("component", "query"),
		peerSet: NewPeerSet(cfg.Target),
	}, nil
}

// PeerSet exposes the lookup's working peer-set for inspection after (or
// during) a run.
func (l *Lookup) PeerSet() *PeerSet { return l.peerSet }

// Run seeds the peer-set with seed (each added in state Heard with no
// referrer) and executes the round loop of spec.md §4.8 until
// termination, returning a channel of events closed when the run ends.
func (l *Lookup) Run(ctx context.Context, seed []peer.ID) (<-chan Event, error) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil, kaderr.ErrAlreadyRunning
	}
	if l.cancelledForNextRun {
		l.cancelledForNextRun = false
		l.mu.Unlock()
		events := make(chan Event, 1)
		events <- Event{Kind: QueryTerminated, Reason: Cancelled}
		close(events)
		return events, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, l.timeout)
	l.running = true
	l.cancelled = false
	l.cancelRunningFunc = cancel
	l.mu.Unlock()

	for _, p := range seed {
		l.peerSet.TryAdd(p, "")
	}

	events := make(chan Event, 16)
	go l.runLoop(runCtx, cancel, events)
	return events, nil
}

// Cancel requests termination. If a run is in progress it completes with
// Cancelled without waiting for the round's outstanding queries, whose
// results are then ignored; otherwise the next Run call terminates
// immediately with Cancelled.
func (l *Lookup) Cancel() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		l.cancelled = true
		if l.cancelRunningFunc != nil {
			l.cancelRunningFunc()
		}
		return
	}
	l.cancelledForNextRun = true
}

func (l *Lookup) isCancelled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancelled
}

func (l *Lookup) runLoop(ctx context.Context, cancel context.CancelFunc, events chan<- Event) {
	defer cancel()
	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
		close(events)
	}()

	for {
		if l.isCancelled() {
			events <- Event{Kind: QueryTerminated, Reason: Cancelled}
			return
		}
		select {
		case <-ctx.Done():
			if l.isCancelled() {
				events <- Event{Kind: QueryTerminated, Reason: Cancelled}
			} else {
				events <- Event{Kind: QueryTerminated, Reason: Timeout}
			}
			return
		default:
		}

		round := l.peerSet.ClosestInStates([]PeerState{Heard}, l.alpha)
		if len(round) == 0 {
			events <- Event{Kind: QueryTerminated, Reason: NoMorePeers}
			return
		}
		for _, p := range round {
			l.peerSet.SetState(p, Waiting)
		}

		type outcome struct {
			p       peer.ID
			learned []peer.ID
			err     error
		}
		results := make(chan outcome, len(round))
		go func() {
			var wg sync.WaitGroup
			for _, p := range round {
				wg.Add(1)
				go func(p peer.ID) {
					defer wg.Done()
					learned, err := l.queryFn(ctx, p)
					results <- outcome{p: p, learned: learned, err: err}
				}(p)
			}
			wg.Wait()
			close(results)
		}()

		// Await every query in the round (no early exit), unless the
		// overall run deadline or an explicit cancel fires first — in
		// which case outstanding peers are abandoned in state Waiting
		// (spec.md §4.8, §5 "timeouts").
		var settled int
	collect:
		for settled < len(round) {
			select {
			case o, ok := <-results:
				if !ok {
					break collect
				}
				settled++
				if o.err != nil {
					l.peerSet.SetState(o.p, Unreachable)
					events <- Event{Kind: PeerQueryFailed, Peer: o.p, Err: o.err}
					continue
				}
				l.peerSet.SetState(o.p, Queried)
				var newlyLearned []peer.ID
				for _, learnedPeer := range o.learned {
					if l.peerSet.TryAdd(learnedPeer, o.p) {
						newlyLearned = append(newlyLearned, learnedPeer)
					}
				}
				events <- Event{Kind: PeerQueried, Peer: o.p, Learned: newlyLearned}
			case <-ctx.Done():
				if l.isCancelled() {
					events <- Event{Kind: QueryTerminated, Reason: Cancelled}
				} else {
					events <- Event{Kind: QueryTerminated, Reason: Timeout}
				}
				return
			}
		}

		if l.isCancelled() {
			events <- Event{Kind: QueryTerminated, Reason: Cancelled}
			return
		}
		if l.stopFn(l.peerSet) {
			events <- Event{Kind: QueryTerminated, Reason: Success}
			return
		}
	}
}
