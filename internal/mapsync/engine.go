package mapsync

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type Logger interface {
	Printf(format string, args ...any)
}

type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusOffline Status = "offline"
	StatusError   Status = "error"
)

// SyncStats is a read-only per-provider projection recomputed from the queue
// and engine status on every snapshot; it is never stored.
type SyncStats struct {
	PendingCount int       `json:"pendingCount"`
	LastSuccess  time.Time `json:"lastSuccess,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
	IsSyncing    bool      `json:"isSyncing"`
}

type AccountState struct {
	Account ProviderAccount `json:"account"`
	Stats   SyncStats       `json:"stats"`
}

// EngineState is an immutable snapshot handed to observers.
type EngineState struct {
	Accounts    map[string]AccountState `json:"accounts"`
	Queue       []QueueEntry            `json:"queue"`
	Status      Status                  `json:"status"`
	ActiveError string                  `json:"activeError,omitempty"`
}

type Options struct {
	Connectors   []Connector
	Persister    *Persister
	Documents    DocumentStore
	Connectivity ConnectivityMonitor
	Logger       Logger
	Now          func() time.Time
}

// Engine owns the operation queue and per-provider account state, drives the
// processing loop, and exposes snapshots to observers. All mutable state is
// guarded by mu; connector and persistence calls are made with mu released.
type Engine struct {
	mu          sync.Mutex
	connectors  map[string]Connector
	order       []string
	accounts    map[string]*ProviderAccount
	queue       *syncQueue
	status      Status
	activeError string
	processing  bool
	lastSuccess map[string]time.Time
	subs        []chan EngineState

	persister *Persister
	docs      DocumentStore
	monitor   ConnectivityMonitor
	logger    Logger
	now       func() time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Documents == nil {
		return nil, fmt.Errorf("%w: document store is required", ErrInvalidInput)
	}
	persister := opts.Persister
	if persister == nil {
		var err error
		persister, err = NewPersister(NewMemoryKVStore())
		if err != nil {
			return nil, err
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		connectors:  map[string]Connector{},
		accounts:    map[string]*ProviderAccount{},
		queue:       newSyncQueue(),
		status:      StatusIdle,
		lastSuccess: map[string]time.Time{},
		persister:   persister,
		docs:        opts.Documents,
		monitor:     opts.Connectivity,
		logger:      opts.Logger,
		now:         now,
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, conn := range opts.Connectors {
		if conn == nil || conn.ProviderID() == "" {
			continue
		}
		if _, dup := e.connectors[conn.ProviderID()]; dup {
			cancel()
			return nil, fmt.Errorf("%w: duplicate connector %s", ErrInvalidInput, conn.ProviderID())
		}
		e.connectors[conn.ProviderID()] = conn
	}
	return e, nil
}

// Providers lists the configured connector ids, connected or not.
func (e *Engine) Providers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.connectors))
	for id := range e.connectors {
		ids = append(ids, id)
	}
	return ids
}

// Start restores persisted accounts and the queue, sanitizes the queue
// against the providers that actually restored, reconciles each restored
// provider, checks connectivity, and begins watching for transitions.
func (e *Engine) Start(ctx context.Context) error {
	for id, conn := range e.connectors {
		if err := conn.Initialize(ctx); err != nil {
			e.logf("initialize %s: %v", id, err)
		}
	}

	saved, err := e.persister.LoadAccounts()
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	entries, err := e.persister.LoadQueue()
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}

	restored := map[string]bool{}
	for providerID, account := range saved {
		conn, ok := e.connectors[providerID]
		if !ok {
			e.logf("dropping account %s: no connector configured", providerID)
			continue
		}
		refreshed, err := conn.Restore(ctx, account)
		if err != nil {
			e.logf("restore %s failed: %v", providerID, err)
			continue
		}
		if refreshed == nil {
			e.logf("restore %s: interactive sign-in required", providerID)
			continue
		}
		e.mu.Lock()
		e.accounts[providerID] = refreshed.clone()
		e.order = append(e.order, providerID)
		e.mu.Unlock()
		restored[providerID] = true
	}

	entries = sanitizeQueue(entries, restored)

	e.mu.Lock()
	e.queue.replace(entries)
	accounts := e.accountsLocked()
	queueSnapshot := e.queue.snapshot()
	e.mu.Unlock()
	if err := e.persister.SaveAccounts(accounts); err != nil {
		return fmt.Errorf("save accounts: %w", err)
	}
	if err := e.persister.SaveQueue(queueSnapshot); err != nil {
		return fmt.Errorf("save queue: %w", err)
	}

	for _, providerID := range e.connectedProviders() {
		if err := e.reconcile(ctx, providerID); err != nil {
			if IsOffline(err) {
				e.setStatus(StatusOffline, err.Error())
				break
			}
			e.logf("reconcile %s: %v", providerID, err)
		}
	}

	if e.monitor != nil && !e.monitor.Online() {
		e.setStatus(StatusOffline, "")
	}
	if e.monitor != nil {
		go e.watchConnectivity()
	}
	e.notify()
	e.kick()
	return nil
}

func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.cancel()
	})
}

// Subscribe returns a latest-wins state stream: a slow observer misses
// intermediate snapshots but never blocks the engine.
func (e *Engine) Subscribe() <-chan EngineState {
	ch := make(chan EngineState, 1)
	e.mu.Lock()
	e.subs = append(e.subs, ch)
	e.mu.Unlock()
	return ch
}

func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

func (e *Engine) stateLocked() EngineState {
	state := EngineState{
		Accounts:    map[string]AccountState{},
		Queue:       e.queue.snapshot(),
		Status:      e.status,
		ActiveError: e.activeError,
	}
	for _, providerID := range e.order {
		account := e.accounts[providerID]
		if account == nil {
			continue
		}
		pending := e.queue.pendingCount(providerID)
		state.Accounts[providerID] = AccountState{
			Account: *account.clone(),
			Stats: SyncStats{
				PendingCount: pending,
				LastSuccess:  e.lastSuccess[providerID],
				LastError:    e.lastQueueErrorLocked(providerID),
				IsSyncing:    e.processing && pending > 0,
			},
		}
	}
	return state
}

func (e *Engine) lastQueueErrorLocked(providerID string) string {
	for _, entry := range e.queue.entries {
		if message, ok := entry.Errors[providerID]; ok {
			return message
		}
	}
	return ""
}

func (e *Engine) EnqueueCreate(mapName, document string) error {
	return e.enqueue(mapName, OpCreate, document)
}

func (e *Engine) EnqueueUpdate(mapName, document string) error {
	return e.enqueue(mapName, OpUpdate, document)
}

func (e *Engine) EnqueueDelete(mapName string) error {
	return e.enqueue(mapName, OpDelete, "")
}

func (e *Engine) enqueue(mapName string, op OperationType, document string) error {
	if e.ctx.Err() != nil {
		return ErrClosed
	}
	if !validMapName(mapName) {
		return ErrInvalidInput
	}
	e.mu.Lock()
	targets := append([]string(nil), e.order...)
	e.queue.enqueue(mapName, op, document, targets, e.now())
	snapshot := e.queue.snapshot()
	e.mu.Unlock()
	if err := e.persister.SaveQueue(snapshot); err != nil {
		return fmt.Errorf("save queue: %w", err)
	}
	e.notify()
	e.kick()
	return nil
}

// Connect runs the interactive sign-in for providerID, adopts the queue for
// the new backend, backfills existing local documents, reconciles, and
// triggers a processing pass. A user cancellation is a silent no-op.
func (e *Engine) Connect(ctx context.Context, providerID string) error {
	if e.ctx.Err() != nil {
		return ErrClosed
	}
	e.mu.Lock()
	conn, ok := e.connectors[providerID]
	_, connected := e.accounts[providerID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: provider %s", ErrNotFound, providerID)
	}
	if connected {
		return nil
	}

	account, err := conn.Connect(ctx)
	if err != nil {
		if IsCancelled(err) {
			return nil
		}
		if IsOffline(err) {
			e.setStatus(StatusOffline, err.Error())
			e.notify()
		}
		return err
	}
	if account == nil {
		return fmt.Errorf("%w: connector %s returned no account", ErrInvalidState, providerID)
	}

	names, err := e.docs.ListNames()
	if err != nil {
		return fmt.Errorf("list documents: %w", err)
	}

	e.mu.Lock()
	// A concurrent Connect for the same provider may have won the race while
	// the interactive sign-in ran; the first committed account stands.
	if _, already := e.accounts[providerID]; already {
		e.mu.Unlock()
		return nil
	}
	e.accounts[providerID] = account.clone()
	e.order = append(e.order, providerID)
	e.queue.extend(providerID)
	for _, name := range names {
		document, loadErr := e.docs.Load(name)
		if loadErr != nil {
			e.logf("backfill read %s: %v", name, loadErr)
			continue
		}
		e.queue.enqueue(name, OpUpdate, document, []string{providerID}, e.now())
	}
	accounts := e.accountsLocked()
	queueSnapshot := e.queue.snapshot()
	e.mu.Unlock()

	if err := e.persister.SaveAccounts(accounts); err != nil {
		return fmt.Errorf("save accounts: %w", err)
	}
	if err := e.persister.SaveQueue(queueSnapshot); err != nil {
		return fmt.Errorf("save queue: %w", err)
	}
	e.notify()

	if err := e.reconcile(ctx, providerID); err != nil {
		if IsOffline(err) {
			e.setStatus(StatusOffline, err.Error())
			e.notify()
			return nil
		}
		e.logf("reconcile %s: %v", providerID, err)
	}
	e.kick()
	return nil
}

// Disconnect removes the account, strips the provider from every queue entry
// (pruning entries emptied by the strip), and persists the result. No final
// flush is attempted; session revocation is best effort.
func (e *Engine) Disconnect(ctx context.Context, providerID string) error {
	e.mu.Lock()
	account, connected := e.accounts[providerID]
	conn := e.connectors[providerID]
	if !connected {
		e.mu.Unlock()
		return nil
	}
	delete(e.accounts, providerID)
	delete(e.lastSuccess, providerID)
	kept := e.order[:0]
	for _, id := range e.order {
		if id != providerID {
			kept = append(kept, id)
		}
	}
	e.order = kept
	e.queue.strip(providerID)
	accounts := e.accountsLocked()
	queueSnapshot := e.queue.snapshot()
	e.mu.Unlock()

	if conn != nil {
		if err := conn.Disconnect(ctx, account); err != nil {
			e.logf("disconnect %s: %v", providerID, err)
		}
	}
	if err := e.persister.SaveAccounts(accounts); err != nil {
		return fmt.Errorf("save accounts: %w", err)
	}
	if err := e.persister.SaveQueue(queueSnapshot); err != nil {
		return fmt.Errorf("save queue: %w", err)
	}
	e.notify()
	e.kick()
	return nil
}

// kick begins a processing pass unless one is already running. The running
// pass re-scans the queue, so dropped triggers lose nothing.
func (e *Engine) kick() {
	e.mu.Lock()
	if e.processing || e.ctx.Err() != nil {
		e.mu.Unlock()
		return
	}
	if e.monitor != nil && !e.monitor.Online() {
		e.status = StatusOffline
		e.mu.Unlock()
		e.notify()
		return
	}
	e.processing = true
	e.mu.Unlock()
	e.processPass()
}

// processPass drains the queue one entry at a time, providers attempted
// sequentially in insertion order. Offline failures halt the pass; other
// failures are recorded against the provider and the pass moves on.
func (e *Engine) processPass() {
	attempted := map[string]bool{}
	for {
		e.mu.Lock()
		var entry *QueueEntry
		for _, candidate := range e.queue.entries {
			if len(candidate.Pending) > 0 && !attempted[candidate.ID] {
				entry = candidate
				break
			}
		}
		if entry == nil {
			if e.queue.firstPending() == nil {
				e.status = StatusIdle
				e.activeError = ""
			}
			e.processing = false
			e.mu.Unlock()
			e.notify()
			return
		}
		e.status = StatusSyncing
		attempted[entry.ID] = true
		entryID := entry.ID
		entrySnapshot := entry.clone()
		providers := append([]string(nil), entry.Pending...)
		e.mu.Unlock()
		e.notify()

		revisit := false
		for _, providerID := range providers {
			halted, stale := e.attemptProvider(entryID, entrySnapshot, providerID)
			if halted {
				return
			}
			if stale {
				revisit = true
			}
			// The entry may have been merged with a newer operation while
			// the network call was in flight; refresh the snapshot.
			e.mu.Lock()
			if current := e.queue.findByID(entryID); current != nil {
				entrySnapshot = current.clone()
			}
			e.mu.Unlock()
		}
		if revisit {
			// A merge landed behind an in-flight call and its ack was
			// withheld; pick the entry up again with the merged operation.
			delete(attempted, entryID)
		}
	}
}

// attemptProvider performs one queue entry against one provider. halted is
// true when the pass must stop (offline); stale is true when the call
// succeeded but a merge landed mid-flight, so the delivered snapshot no
// longer represents the entry and the ack was withheld.
func (e *Engine) attemptProvider(entryID string, entrySnapshot QueueEntry, providerID string) (halted, stale bool) {
	e.mu.Lock()
	current := e.queue.findByID(entryID)
	account := e.accounts[providerID].clone()
	conn := e.connectors[providerID]
	stillPending := current != nil && current.hasPending(providerID)
	e.mu.Unlock()
	if !stillPending || account == nil || conn == nil {
		return false, false
	}

	updated, err := conn.PerformOperation(e.ctx, account, entrySnapshot)
	if err == nil {
		e.mu.Lock()
		// Stale-result guard: a disconnect while the call was in flight
		// means the refreshed metadata must not be written back.
		if _, connected := e.accounts[providerID]; connected && updated != nil {
			e.accounts[providerID] = updated.clone()
		}
		e.lastSuccess[providerID] = e.now()
		if current := e.queue.findByID(entryID); current != nil {
			// Only the operation that was actually delivered may be
			// acknowledged. A merge while the call was in flight changes the
			// entry's timestamp (and payload or operation), and acking it
			// here would drop the merged mutation without ever sending it.
			if current.Operation == entrySnapshot.Operation &&
				current.Document == entrySnapshot.Document &&
				current.Timestamp.Equal(entrySnapshot.Timestamp) {
				e.queue.ack(current, providerID)
			} else {
				stale = true
			}
		}
		accounts := e.accountsLocked()
		queueSnapshot := e.queue.snapshot()
		e.mu.Unlock()
		if saveErr := e.persister.SaveAccounts(accounts); saveErr != nil {
			e.logf("save accounts: %v", saveErr)
		}
		if saveErr := e.persister.SaveQueue(queueSnapshot); saveErr != nil {
			e.logf("save queue: %v", saveErr)
		}
		e.notify()
		return false, stale
	}

	e.mu.Lock()
	if current := e.queue.findByID(entryID); current != nil {
		e.queue.recordError(current, providerID, err.Error())
	}
	queueSnapshot := e.queue.snapshot()
	if IsOffline(err) {
		e.status = StatusOffline
		e.activeError = err.Error()
		e.processing = false
		e.mu.Unlock()
		if saveErr := e.persister.SaveQueue(queueSnapshot); saveErr != nil {
			e.logf("save queue: %v", saveErr)
		}
		e.notify()
		e.logf("offline while syncing %q to %s; pass halted", entrySnapshot.MapName, providerID)
		return true, false
	}
	e.status = StatusError
	e.activeError = err.Error()
	e.mu.Unlock()
	if saveErr := e.persister.SaveQueue(queueSnapshot); saveErr != nil {
		e.logf("save queue: %v", saveErr)
	}
	e.notify()
	e.logf("sync %q to %s failed: %v", entrySnapshot.MapName, providerID, err)
	return false, false
}

func (e *Engine) watchConnectivity() {
	sub := e.monitor.Subscribe()
	for {
		select {
		case <-e.ctx.Done():
			return
		case online, ok := <-sub:
			if !ok {
				return
			}
			if !online {
				// Immediate, independent of any in-flight call.
				e.setStatus(StatusOffline, "")
				e.notify()
				continue
			}
			e.mu.Lock()
			if e.status == StatusOffline {
				e.status = StatusIdle
				e.activeError = ""
			}
			e.mu.Unlock()
			e.notify()
			e.kick()
		}
	}
}

func (e *Engine) setStatus(status Status, message string) {
	e.mu.Lock()
	e.status = status
	e.activeError = message
	e.mu.Unlock()
}

func (e *Engine) connectedProviders() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...)
}

func (e *Engine) accountsLocked() map[string]*ProviderAccount {
	accounts := make(map[string]*ProviderAccount, len(e.accounts))
	for providerID, account := range e.accounts {
		accounts[providerID] = account.clone()
	}
	return accounts
}

func (e *Engine) notify() {
	e.mu.Lock()
	state := e.stateLocked()
	subs := append([]chan EngineState(nil), e.subs...)
	e.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- state:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- state:
			default:
			}
		}
	}
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}
