// Package syncer drains the durable operation queue against the relay link.
package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chatsync/internal/constants"
	apperrors "chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/internal/protocol"
	"chatsync/internal/queue"
	"chatsync/internal/retry"

	"github.com/sirupsen/logrus"
)

// Queue is the durable store the orchestrator owns. *queue.Store implements it.
type Queue interface {
	Put(ctx context.Context, item *models.QueueItem) error
	List(ctx context.Context) ([]*models.QueueItem, error)
	IncrementAttempts(ctx context.Context, id string) (int, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}

// Link is the part of the connection manager the orchestrator uses.
type Link interface {
	Connected() bool
	Send(ctx context.Context, f protocol.Frame) (protocol.Frame, error)
}

// NotificationKind tells synced items from failed ones.
type NotificationKind int

const (
	Synced NotificationKind = iota
	SyncFailed
)

func (k NotificationKind) String() string {
	if k == Synced {
		return "synced"
	}
	return "sync_failed"
}

// Notification reports the end of a queued item's life. CorrelationID is
// always set so the UI can find the optimistic item it belongs to.
type Notification struct {
	Kind          NotificationKind
	CorrelationID string
	Operation     models.OperationKind
	Target        string
	MessageID     string
	Sequence      int64
	Err           error
}

// Options configure an Orchestrator.
type Options struct {
	MaxAttempts   int
	CredentialRef string
	// Retry spaces drain passes that left retryable items behind while the
	// link stayed up.
	Retry   retry.BackoffConfig
	Logger  *logrus.Logger
	Metrics *metrics.Registry
}

// Orchestrator persists operations and drains them whenever the link is up.
// At most one drain runs at a time; a trigger during a drain makes the active
// drain run one more pass.
type Orchestrator struct {
	queue       Queue
	link        Link
	opts        Options
	logger      *logrus.Logger
	dispatchers map[models.OperationKind]Dispatcher
	backoff     *retry.Policy

	mu         sync.Mutex
	draining   bool
	rerun      bool
	closed     bool
	retryTimer *time.Timer
	sinks      []func(Notification)

	corrMu       sync.Mutex
	correlations map[string]string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator. Call Start before triggering drains.
func New(q Queue, link Link, opts Options) *Orchestrator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = constants.DefaultQueueMaxAttempts
	}
	if opts.Retry.InitialDelay <= 0 {
		opts.Retry = retry.BackoffConfig{
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2,
			Jitter:       true,
		}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.GetRegistry()
	}
	return &Orchestrator{
		queue:        q,
		link:         link,
		opts:         opts,
		logger:       opts.Logger,
		dispatchers:  DefaultDispatchers(),
		backoff:      retry.NewPolicy(opts.Retry),
		correlations: make(map[string]string),
	}
}

// Register adds or replaces the dispatcher for kind. New operation kinds
// need nothing else.
func (o *Orchestrator) Register(kind models.OperationKind, d Dispatcher) {
	o.mu.Lock()
	o.dispatchers[kind] = d
	o.mu.Unlock()
}

// OnNotification subscribes to synced and failed notifications.
func (o *Orchestrator) OnNotification(fn func(Notification)) {
	o.mu.Lock()
	o.sinks = append(o.sinks, fn)
	o.mu.Unlock()
}

// Start enables background drains bound to ctx.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.mu.Unlock()
}

// Close stops background drains and waits for a running one to finish.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	if o.retryTimer != nil {
		o.retryTimer.Stop()
	}
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
}

// Enqueue persists an operation and returns its item. The item is durable
// when Enqueue returns; transmission happens on a later drain. Link state
// never affects the result.
func (o *Orchestrator) Enqueue(ctx context.Context, kind models.OperationKind, target string, payload any) (*models.QueueItem, error) {
	o.mu.Lock()
	_, known := o.dispatchers[kind]
	o.mu.Unlock()
	if !known {
		return nil, apperrors.NewValidationError("kind", fmt.Sprintf("no dispatcher for %q", kind))
	}

	item, err := queue.NewItem(kind, target, payload, o.opts.MaxAttempts, o.opts.CredentialRef)
	if err != nil {
		return nil, err
	}
	if err := o.queue.Put(ctx, item); err != nil {
		return nil, err
	}

	o.logger.WithFields(logrus.Fields{
		"correlation_id": item.ID,
		"kind":           item.Kind,
	}).Debug("Operation queued")
	o.updateDepth(ctx)

	if o.link.Connected() {
		o.TriggerDrain()
	}
	return item, nil
}

// TriggerDrain starts a drain in the background.
func (o *Orchestrator) TriggerDrain() {
	// wg.Add must not race with Close's Wait.
	o.mu.Lock()
	if o.closed || o.ctx == nil || o.ctx.Err() != nil {
		o.mu.Unlock()
		return
	}
	ctx := o.ctx
	o.wg.Add(1)
	o.mu.Unlock()
	go func() {
		defer o.wg.Done()
		if err := o.Drain(ctx); err != nil && ctx.Err() == nil {
			o.logger.WithError(err).Error("Drain failed")
		}
	}()
}

// Drain transmits queued items until the queue is empty, the link goes down
// or every remaining item is waiting for a retry. A call that arrives while
// another drain is active returns at once and makes the active one repeat.
func (o *Orchestrator) Drain(ctx context.Context) error {
	o.mu.Lock()
	if o.draining {
		o.rerun = true
		o.mu.Unlock()
		return nil
	}
	o.draining = true
	o.mu.Unlock()

	for {
		leftover, err := o.pass(ctx)

		o.mu.Lock()
		if err == nil && o.rerun {
			o.rerun = false
			o.mu.Unlock()
			continue
		}
		o.draining = false
		o.rerun = false
		o.mu.Unlock()

		if err == nil {
			o.scheduleRetry(leftover)
		}
		o.updateDepth(ctx)
		return err
	}
}

// pass walks the queue once in enqueue order. Items of a target that is
// waiting for a retry are skipped so that a target's items never overtake
// each other. It returns whether retryable items were left behind.
func (o *Orchestrator) pass(ctx context.Context) (bool, error) {
	items, err := o.queue.List(ctx)
	if err != nil {
		return false, err
	}

	blocked := make(map[string]bool)
	leftover := false

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if blocked[item.Target] {
			continue
		}

		// Items that used their budget before this pass are never sent again.
		if item.Exhausted() {
			o.fail(ctx, item, apperrors.NewRetryExhaustedError(item.ID, item.Attempts, nil))
			continue
		}

		if !o.link.Connected() {
			return false, nil
		}

		o.mu.Lock()
		dispatch, ok := o.dispatchers[item.Kind]
		o.mu.Unlock()
		if !ok {
			o.fail(ctx, item, apperrors.NewValidationError("kind", fmt.Sprintf("no dispatcher for %q", item.Kind)))
			continue
		}
		frame, err := dispatch(item)
		if err != nil {
			o.fail(ctx, item, err)
			continue
		}

		reply, err := o.link.Send(ctx, frame)
		switch {
		case err == nil:
			o.succeed(ctx, item, reply)

		case apperrors.HasCode(err, apperrors.ErrCodeNotConnected):
			// Never left the device.
			return false, nil

		case apperrors.HasCode(err, apperrors.ErrCodeTransport):
			// The link failed, not the item. The reconnect drains again; the
			// retry timer covers a link that has not noticed yet.
			return true, nil

		case apperrors.IsTerminal(err):
			o.fail(ctx, item, err)

		case ctx.Err() != nil:
			return false, ctx.Err()

		default:
			attempts, ierr := o.queue.IncrementAttempts(ctx, item.ID)
			if ierr != nil {
				return false, ierr
			}
			o.logger.WithFields(logrus.Fields{
				"correlation_id": item.ID,
				"attempt":        attempts,
				"error_code":     apperrors.GetCode(err),
			}).Warn("Queued operation not acknowledged")

			if item.MaxAttempts > 0 && attempts >= item.MaxAttempts {
				o.fail(ctx, item, apperrors.NewRetryExhaustedError(item.ID, attempts, err))
				continue
			}
			blocked[item.Target] = true
			leftover = true
		}
	}
	return leftover, nil
}

func (o *Orchestrator) succeed(ctx context.Context, item *models.QueueItem, reply protocol.Frame) {
	if err := o.queue.Delete(ctx, item.ID); err != nil {
		// The relay deduplicates the resend on the next drain.
		o.logger.WithError(err).WithField("correlation_id", item.ID).Error("Failed to remove synced item")
	}
	if reply.MessageID != "" {
		o.corrMu.Lock()
		o.correlations[item.ID] = reply.MessageID
		o.corrMu.Unlock()
	}

	o.opts.Metrics.IncrementCounter(metrics.SyncItemsSynced, map[string]string{"kind": string(item.Kind)}, "Queued operations acknowledged by the relay")
	o.logger.WithFields(logrus.Fields{
		"correlation_id": item.ID,
		"message_id":     reply.MessageID,
	}).Debug("Operation synced")

	o.notify(Notification{
		Kind:          Synced,
		CorrelationID: item.ID,
		Operation:     item.Kind,
		Target:        item.Target,
		MessageID:     reply.MessageID,
		Sequence:      reply.Sequence,
	})
}

func (o *Orchestrator) fail(ctx context.Context, item *models.QueueItem, cause error) {
	if err := o.queue.Delete(ctx, item.ID); err != nil {
		o.logger.WithError(err).WithField("correlation_id", item.ID).Error("Failed to remove failed item")
	}

	o.opts.Metrics.IncrementCounter(metrics.SyncItemsFailed, map[string]string{"code": string(apperrors.GetCode(cause))}, "Queued operations that failed terminally")
	o.logger.WithFields(logrus.Fields{
		"correlation_id": item.ID,
		"kind":           item.Kind,
		"error_code":     apperrors.GetCode(cause),
	}).Warn("Queued operation failed")

	o.notify(Notification{
		Kind:          SyncFailed,
		CorrelationID: item.ID,
		Operation:     item.Kind,
		Target:        item.Target,
		Err:           cause,
	})
}

func (o *Orchestrator) notify(n Notification) {
	o.mu.Lock()
	sinks := make([]func(Notification), len(o.sinks))
	copy(sinks, o.sinks)
	o.mu.Unlock()
	for _, fn := range sinks {
		fn(n)
	}
}

func (o *Orchestrator) scheduleRetry(leftover bool) {
	if !leftover {
		o.backoff.Reset()
		return
	}
	// A reconnect triggers its own drain.
	if !o.link.Connected() {
		return
	}
	delay, ok := o.backoff.NextDelay()
	if !ok {
		return
	}
	o.mu.Lock()
	if o.retryTimer != nil {
		o.retryTimer.Stop()
	}
	if !o.closed {
		o.retryTimer = time.AfterFunc(delay, o.TriggerDrain)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) updateDepth(ctx context.Context) {
	n, err := o.queue.Count(ctx)
	if err != nil {
		return
	}
	o.opts.Metrics.SetGauge(metrics.SyncQueueDepth, float64(n), nil, "Operations waiting in the local queue")
}

// MessageID returns the durable id the relay assigned to a correlation id,
// until Forget is called for it.
func (o *Orchestrator) MessageID(correlationID string) (string, bool) {
	o.corrMu.Lock()
	defer o.corrMu.Unlock()
	id, ok := o.correlations[correlationID]
	return id, ok
}

// Forget discards a reconciled correlation.
func (o *Orchestrator) Forget(correlationID string) {
	o.corrMu.Lock()
	delete(o.correlations, correlationID)
	o.corrMu.Unlock()
}
