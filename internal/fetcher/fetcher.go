// Package fetcher tails the oplog of a remote sync source and feeds
// validated operation batches into a local apply pipeline. It is the
// replication producer: it transports and validates, it never applies.
package fetcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// State is the one-way lifecycle of the Fetcher:
// PreStart -> Running -> ShuttingDown -> Terminal.
type State int

const (
	PreStart State = iota
	Running
	ShuttingDown
	Terminal
)

func (s State) String() string {
	switch s {
	case PreStart:
		return "PreStart"
	case Running:
		return "Running"
	case ShuttingDown:
		return "ShuttingDown"
	case Terminal:
		return "Terminal"
	default:
		return "Unknown"
	}
}

// OnShutdownCallbackFn receives the single terminal status of the Fetcher.
// It is invoked exactly once, and only if Start returned success.
type OnShutdownCallbackFn func(status Status)

// Options carries the construction parameters of a Fetcher.
type Options struct {
	// LastFetched is the frontier to resume from: the highest OpTime
	// already handed downstream.
	LastFetched OpTime
	// Source identifies the remote sync source.
	Source HostAndPort
	// OplogNS is the namespace of the remote oplog collection.
	OplogNS string
	// ReplSetConfig supplies the current term attached to find commands.
	ReplSetConfig ReplSetConfig
	// Cursor is the blocking remote-cursor primitive the driver owns.
	Cursor Cursor
	// RestartPolicy decides whether a failed open/batch is retried.
	// Nil gets the default bounded policy with defaultMaxRestarts.
	RestartPolicy RestartPolicy
	// RequiredRBID is the rollback id the source must still report on the
	// first batch; a mismatch means it rolled back since selection.
	RequiredRBID int32
	// RequireFresherSyncSource demands the first batch prove the source
	// is genuinely ahead of our frontier.
	RequireFresherSyncSource bool
	// ExternalState is consulted with reply metadata after every batch.
	ExternalState DataReplicatorExternalState
	// Enqueue hands a validated batch to the apply pipeline.
	Enqueue EnqueueDocumentsFn
	// OnShutdown receives the terminal status.
	OnShutdown OnShutdownCallbackFn
	// BatchSize is attached to the find command.
	BatchSize int32
	// StartingPoint decides the fate of the leading continuity document.
	StartingPoint StartingPoint
	// Timeouts for the initial find, retried find and awaitData getMore.
	// Zero fields get DefaultTimeouts values.
	Timeouts Timeouts
}

const defaultMaxRestarts = 3

// Fetcher tails the remote oplog on a single background task. All mutable
// state is guarded by mu; the cursor handle is owned by the driver task and
// reached from Shutdown only through the Interrupt primitive.
type Fetcher struct {
	opts Options

	mu          sync.Mutex
	state       State
	lastFetched OpTime
	firstBatch  bool
	metadataObj ReplMetadata
	handle      CursorHandle
	cancelRun   context.CancelFunc
	finished    bool

	// StateStream broadcasts lifecycle transitions on a capacity-1
	// channel; readers peek the latest state without blocking the driver.
	StateStream chan State

	done chan struct{}
}

// NewFetcher validates opts and constructs a Fetcher in PreStart.
func NewFetcher(opts Options) (*Fetcher, error) {
	if opts.Cursor == nil {
		return nil, errors.New("fetcher: Cursor is required")
	}
	if opts.Enqueue == nil {
		return nil, errors.New("fetcher: Enqueue callback is required")
	}
	if opts.ExternalState == nil {
		return nil, errors.New("fetcher: ExternalState is required")
	}
	if opts.OplogNS == "" {
		return nil, errors.New("fetcher: OplogNS is required")
	}
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("fetcher: invalid batch size %d", opts.BatchSize)
	}
	if opts.Timeouts.InitialFind == 0 {
		opts.Timeouts.InitialFind = DefaultTimeouts.InitialFind
	}
	if opts.Timeouts.RetriedFind == 0 {
		opts.Timeouts.RetriedFind = DefaultTimeouts.RetriedFind
	}
	if opts.Timeouts.AwaitData == 0 {
		opts.Timeouts.AwaitData = DefaultTimeouts.AwaitData
	}
	if opts.RestartPolicy == nil {
		opts.RestartPolicy = NewDefaultRestartPolicy(defaultMaxRestarts, opts.Timeouts.RetriedFind)
	}
	f := &Fetcher{
		opts:        opts,
		state:       PreStart,
		lastFetched: opts.LastFetched,
		firstBatch:  true,
		StateStream: make(chan State, 1),
		done:        make(chan struct{}),
	}
	sendState(f.StateStream, PreStart)
	return f, nil
}

// Start schedules the cursor driver task and transitions to Running.
// Calling it twice fails; on failure the shutdown callback will never be
// invoked and the caller observes the error synchronously.
func (f *Fetcher) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.state != PreStart {
		state := f.state
		f.mu.Unlock()
		return errors.Errorf("fetcher: cannot start from state %s", state)
	}
	runCtx, cancel := context.WithCancel(ctx)
	f.cancelRun = cancel
	f.state = Running
	f.mu.Unlock()
	sendState(f.StateStream, Running)
	log.Infof("%s: started", f.String())
	go func() {
		f.finish(f.runQuery(runCtx))
	}()
	return nil
}

// Shutdown transitions to ShuttingDown from any state other than Terminal.
// It interrupts an in-flight cursor receive and cancels the driver task;
// it never blocks, and is safe to call from any goroutine including the
// enqueue callback.
func (f *Fetcher) Shutdown() {
	f.mu.Lock()
	if f.state == Terminal {
		f.mu.Unlock()
		return
	}
	alreadyStopping := f.state == ShuttingDown
	started := f.state == Running
	f.state = ShuttingDown
	cancel := f.cancelRun
	handle := f.handle
	f.mu.Unlock()
	if alreadyStopping {
		return
	}
	sendState(f.StateStream, ShuttingDown)
	log.Infof("%s: shutting down", f.String())
	if cancel != nil {
		cancel()
	}
	if handle != nil {
		f.opts.Cursor.Interrupt(handle)
	}
	if !started {
		// never started, there is no driver task to deliver the terminal
		// status; seal the lifecycle here without invoking the callback
		f.mu.Lock()
		f.state = Terminal
		f.finished = true
		f.mu.Unlock()
		sendState(f.StateStream, Terminal)
		close(f.done)
	}
}

// Join blocks until the Fetcher reaches Terminal. The shutdown callback has
// already been delivered when Join returns.
func (f *Fetcher) Join() { <-f.done }

// IsActive reports whether the Fetcher is between a successful Start and
// the terminal callback.
func (f *Fetcher) IsActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == Running || f.state == ShuttingDown
}

// GetLastOpTimeFetched returns the current frontier.
func (f *Fetcher) GetLastOpTimeFetched() OpTime {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastFetched
}

// GetFindQuery returns the find command the driver would issue right now,
// with the initial-find timeout. Diagnostics and tests only.
func (f *Fetcher) GetFindQuery() QueryBody {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.findQueryLocked(f.opts.Timeouts.InitialFind)
}

// LastMetadata returns the most recently received reply metadata.
func (f *Fetcher) LastMetadata() ReplMetadata {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metadataObj
}

// GetAwaitDataTimeout returns the server-side awaitData bound per getMore.
func (f *Fetcher) GetAwaitDataTimeout() time.Duration {
	return f.opts.Timeouts.AwaitData
}

func (f *Fetcher) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("oplog fetcher %s (%s) last fetched %s", f.opts.Source, f.state, f.lastFetched)
}

func (f *Fetcher) findQueryLocked(timeout time.Duration) QueryBody {
	var term *int64
	if f.opts.ReplSetConfig != nil {
		t := f.opts.ReplSetConfig.Term()
		term = &t
	}
	return makeFindQuery(f.opts.OplogNS, f.lastFetched, f.opts.BatchSize, timeout.Milliseconds(), term)
}

func (f *Fetcher) shuttingDown() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == ShuttingDown
}

// runQuery is the cursor driver: open, drain, reopen on recoverable error,
// until a terminal status is reached. It is the only task that touches the
// cursor handle directly.
func (f *Fetcher) runQuery(ctx context.Context) Status {
	timeout := f.opts.Timeouts.InitialFind
	for {
		if f.shuttingDown() || ctx.Err() != nil {
			return NewStatus(KindCallbackCanceled, ctx.Err(), "fetcher shut down before cursor open")
		}
		f.mu.Lock()
		query := f.findQueryLocked(timeout)
		f.mu.Unlock()
		log.Tracef("%s: opening cursor, maxTimeMS %d", f.String(), timeout.Milliseconds())
		handle, err := f.opts.Cursor.Open(ctx, query, makeMetadataRequest())
		var st Status
		if err == nil {
			f.mu.Lock()
			f.handle = handle
			stopping := f.state == ShuttingDown
			f.mu.Unlock()
			if stopping {
				// shutdown raced the open and may have missed the handle
				f.opts.Cursor.Interrupt(handle)
			}
			var terminal bool
			st, terminal = f.drainCursor(ctx, handle)
			f.mu.Lock()
			f.handle = nil
			f.mu.Unlock()
			f.opts.Cursor.Close(ctx, handle)
			if terminal {
				return st
			}
		} else {
			st = statusFromError(err)
		}
		if f.shuttingDown() || ctx.Err() != nil {
			return NewStatus(KindCallbackCanceled, st.Unwrap(), "fetcher shut down")
		}
		if st.Fatal() {
			return st
		}
		if !f.opts.RestartPolicy.ShouldContinue(st, f.String()) {
			log.Warnf("%s: restart policy gave up: %s", f.String(), st)
			return st
		}
		timeout = f.opts.Timeouts.RetriedFind
		delay := f.opts.RestartPolicy.NextDelay()
		log.Debugf("%s: reopening cursor in %s after %s", f.String(), delay, st.Kind)
		select {
		case <-ctx.Done():
			return NewStatus(KindCallbackCanceled, ctx.Err(), "fetcher shut down while waiting to reopen")
		case <-time.After(delay):
		}
	}
}

// drainCursor pulls batches off an open cursor until end-of-stream, an
// error, or shutdown. terminal reports whether st must not be offered to
// the restart policy: a clean end-of-stream, shutdown, or any batch
// processing failure (validation, revocation, enqueue) ends the fetcher;
// only a transport error from the receive itself is left to the policy.
func (f *Fetcher) drainCursor(ctx context.Context, handle CursorHandle) (st Status, terminal bool) {
	for {
		if f.shuttingDown() || ctx.Err() != nil {
			return NewStatus(KindCallbackCanceled, ctx.Err(), "fetcher shut down while draining"), true
		}
		if StopReplProducerEnabled() {
			// behave as if the server returned an empty batch
			log.Debugf("%s: stopReplProducer failpoint enabled, idling", f.String())
			select {
			case <-ctx.Done():
				return NewStatus(KindCallbackCanceled, ctx.Err(), "fetcher shut down while failpoint enabled"), true
			case <-time.After(f.opts.Timeouts.AwaitData):
			}
			continue
		}
		batch, metadata, err := f.opts.Cursor.NextBatch(ctx, handle)
		if err != nil {
			if errors.Is(err, ErrEndOfStream) {
				log.Infof("%s: remote closed the cursor", f.String())
				return OKStatus, true
			}
			return statusFromError(err), false
		}
		if st := f.processBatch(ctx, batch, metadata); !st.IsOK() {
			return st, true
		}
	}
}

// processBatch validates one batch, forwards its metadata, enqueues the
// to-apply slice and advances the frontier, in that order. The enqueue
// callback runs with the mutex not held.
func (f *Fetcher) processBatch(ctx context.Context, batch Batch, metadata ReplMetadata) Status {
	f.mu.Lock()
	isFirst := f.firstBatch
	lastFetched := f.lastFetched
	f.mu.Unlock()

	info, st := validateBatch(batch, isFirst, lastFetched, f.opts.StartingPoint,
		f.opts.RequireFresherSyncSource, f.opts.RequiredRBID, metadata)
	if !st.IsOK() {
		log.Errorf("%s: batch rejected: %s", f.String(), st)
		return st
	}

	f.mu.Lock()
	f.metadataObj = metadata
	f.mu.Unlock()
	f.opts.ExternalState.ProcessMetadata(f.opts.Source, metadata)
	if f.opts.ExternalState.ShouldStopFetching(f.opts.Source, metadata) {
		return NewStatus(KindInvalidSyncSource, nil,
			"sync source %s revoked by external state", f.opts.Source)
	}

	if f.shuttingDown() || ctx.Err() != nil {
		return NewStatus(KindCallbackCanceled, ctx.Err(), "fetcher shut down before enqueue")
	}

	toApply := toApplySlice(batch, isFirst, f.opts.StartingPoint)
	if len(toApply) > 0 {
		log.Tracef("%s: enqueueing %d/%d documents, %d bytes", f.String(),
			info.ToApplyDocCount, info.NetworkDocCount, info.ToApplyDocBytes)
		if est := f.opts.Enqueue(ctx, toApply, info); !est.IsOK() {
			log.Errorf("%s: enqueue failed: %s", f.String(), est)
			return est
		}
	}
	if len(batch) > 0 {
		f.mu.Lock()
		f.lastFetched = info.LastDocument
		f.firstBatch = false
		f.mu.Unlock()
	}
	f.opts.RestartPolicy.FetchSuccessful()
	return OKStatus
}

// finish seals the lifecycle at Terminal and delivers the terminal status
// to the shutdown callback exactly once, with no locks held.
func (f *Fetcher) finish(status Status) {
	f.mu.Lock()
	if f.finished {
		f.mu.Unlock()
		return
	}
	f.finished = true
	f.state = Terminal
	f.handle = nil
	cancel := f.cancelRun
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	sendState(f.StateStream, Terminal)
	if status.IsOK() {
		log.Infof("%s: finished: OK", f.String())
	} else {
		log.Warnf("%s: finished: %s", f.String(), status)
	}
	if f.opts.OnShutdown != nil {
		f.opts.OnShutdown(status)
	}
	close(f.done)
}
