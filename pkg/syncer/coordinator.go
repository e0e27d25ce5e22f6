package syncer

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/SCSIExpress/pacsync/pkg/errdefs"
	"github.com/SCSIExpress/pacsync/pkg/events"
	"github.com/SCSIExpress/pacsync/pkg/log"
	"github.com/SCSIExpress/pacsync/pkg/metrics"
	"github.com/SCSIExpress/pacsync/pkg/storage"
	"github.com/SCSIExpress/pacsync/pkg/types"
)

// Operation timeouts. The watchdog fails anything in_progress longer
// than its type's budget.
const (
	syncTimeout      = 30 * time.Minute
	setLatestTimeout = 2 * time.Minute
	revertTimeout    = 30 * time.Minute

	watchdogInterval = 30 * time.Second
)

type msgKind int

const (
	msgSubmit msgKind = iota
	msgCancel
	msgProgress
	msgComplete
	msgIdleCheck
)

type message struct {
	kind     msgKind
	op       *types.SyncOperation
	opID     string
	progress *types.OperationProgress
	success  bool
	errMsg   string
	reply    chan error
}

// Coordinator owns the sync operation state machine. All queue and
// status transitions happen on a single goroutine; handlers talk to it
// through a message channel, so per-endpoint FIFO ordering and the
// one-in-flight rule need no locking.
type Coordinator struct {
	store  storage.Store
	broker *events.Broker

	msgCh     chan message
	quiesceCh chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}

	// loop-confined state
	queues map[string][]*types.SyncOperation
	active map[string]*types.SyncOperation

	watchdogEvery time.Duration
	now           func() time.Time
}

// NewCoordinator creates a coordinator on the given store and broker
func NewCoordinator(store storage.Store, broker *events.Broker) *Coordinator {
	return &Coordinator{
		store:     store,
		broker:    broker,
		msgCh:     make(chan message),
		quiesceCh: make(chan struct{}),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		queues:    make(map[string][]*types.SyncOperation),
		active:    make(map[string]*types.SyncOperation),

		watchdogEvery: watchdogInterval,
		now:           time.Now,
	}
}

// Start recovers unfinished operations from the store and begins the
// coordination loop. Operations that were in_progress at the previous
// shutdown are re-adopted and remain subject to the watchdog.
func (c *Coordinator) Start(ctx context.Context) error {
	pending, err := c.store.ListOperationsByStatus(ctx, types.OperationPending)
	if err != nil {
		return err
	}
	inProgress, err := c.store.ListOperationsByStatus(ctx, types.OperationInProgress)
	if err != nil {
		return err
	}

	// ListOperationsByStatus returns newest first; queue oldest first
	for i := len(pending) - 1; i >= 0; i-- {
		op := pending[i]
		c.queues[op.EndpointID] = append(c.queues[op.EndpointID], op)
	}
	for _, op := range inProgress {
		c.active[op.EndpointID] = op
	}
	if len(pending) > 0 || len(inProgress) > 0 {
		log.WithComponent("syncer").Info().
			Int("pending", len(pending)).
			Int("in_progress", len(inProgress)).
			Msg("recovered unfinished operations")
	}

	go c.run()
	return nil
}

// Stop drains the coordinator. New commands are refused immediately;
// in-flight operations get the grace period to report completion, then
// survivors and everything still queued are marked failed with error
// "shutdown".
func (c *Coordinator) Stop(grace time.Duration) {
	select {
	case <-c.quiesceCh:
		return
	default:
		close(c.quiesceCh)
	}

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()

wait:
	for {
		select {
		case <-deadline.C:
			break wait
		case <-poll.C:
			if c.idle() {
				break wait
			}
		}
	}

	close(c.stopCh)
	<-c.doneCh
}

// idle asks the loop whether any operation is still in flight
func (c *Coordinator) idle() bool {
	msg := message{kind: msgIdleCheck, reply: make(chan error, 1)}
	select {
	case c.msgCh <- msg:
		return <-msg.reply == nil
	case <-c.doneCh:
		return true
	}
}

// SyncToLatest queues a sync operation converging the endpoint to its
// pool's target state. The returned operation is pending; the endpoint
// learns about pickup over its event channel.
func (c *Coordinator) SyncToLatest(ctx context.Context, endpointID string) (*types.SyncOperation, error) {
	ep, err := c.store.GetEndpoint(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	if ep.PoolID == "" {
		return nil, errdefs.Conflict("endpoint %s is not assigned to a pool", endpointID)
	}
	pool, err := c.store.GetPool(ctx, ep.PoolID)
	if err != nil {
		return nil, err
	}
	if pool.TargetStateID == "" {
		return nil, errdefs.Conflict("pool %s has no target state", pool.Name)
	}

	return c.submit(ctx, &types.SyncOperation{
		PoolID:     pool.ID,
		EndpointID: ep.ID,
		Type:       types.OperationSync,
		Details:    map[string]string{"target_state_id": pool.TargetStateID},
	})
}

// SetAsLatest queues an operation that promotes the endpoint's most
// recent stored state to the pool target. The endpoint must have
// submitted a state beforehand.
func (c *Coordinator) SetAsLatest(ctx context.Context, endpointID string) (*types.SyncOperation, error) {
	ep, err := c.store.GetEndpoint(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	if ep.PoolID == "" {
		return nil, errdefs.Conflict("endpoint %s is not assigned to a pool", endpointID)
	}
	states, err := c.store.ListEndpointStates(ctx, endpointID, 1)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, errdefs.Conflict("endpoint %s has no stored state to promote", endpointID)
	}

	return c.submit(ctx, &types.SyncOperation{
		PoolID:     ep.PoolID,
		EndpointID: ep.ID,
		Type:       types.OperationSetLatest,
		Details:    map[string]string{"state_id": states[0].ID},
	})
}

// RevertToPrevious queues an operation converging the endpoint to its
// second-most-recent state snapshot.
func (c *Coordinator) RevertToPrevious(ctx context.Context, endpointID string) (*types.SyncOperation, error) {
	ep, err := c.store.GetEndpoint(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	states, err := c.store.ListEndpointStates(ctx, endpointID, 2)
	if err != nil {
		return nil, err
	}
	if len(states) < 2 {
		return nil, errdefs.Conflict("endpoint %s has no previous state to revert to", endpointID)
	}

	return c.submit(ctx, &types.SyncOperation{
		PoolID:     ep.PoolID,
		EndpointID: ep.ID,
		Type:       types.OperationRevert,
		Details:    map[string]string{"target_state_id": states[1].ID},
	})
}

// Cancel fails a pending operation with error "cancelled". In-flight
// operations cannot be cancelled from the server side.
func (c *Coordinator) Cancel(ctx context.Context, opID string) error {
	return c.send(ctx, message{kind: msgCancel, opID: opID})
}

// ReportProgress records an endpoint progress update on an in_progress
// operation and broadcasts it.
func (c *Coordinator) ReportProgress(ctx context.Context, opID string, progress *types.OperationProgress) error {
	if progress.Percentage < 0 || progress.Percentage > 100 {
		return errdefs.Validation("percentage must be between 0 and 100")
	}
	if progress.Stage == "" {
		return errdefs.Validation("stage is required")
	}
	return c.send(ctx, message{kind: msgProgress, opID: opID, progress: progress})
}

// Complete records the endpoint's terminal report for an in_progress
// operation. A successful sync also marks the endpoint in_sync.
func (c *Coordinator) Complete(ctx context.Context, opID string, success bool, errMsg string) error {
	if !success && errMsg == "" {
		errMsg = "endpoint reported failure"
	}
	return c.send(ctx, message{kind: msgComplete, opID: opID, success: success, errMsg: errMsg})
}

// GetOperation returns one operation by id
func (c *Coordinator) GetOperation(ctx context.Context, opID string) (*types.SyncOperation, error) {
	return c.store.GetOperation(ctx, opID)
}

// ListEndpointOperations returns an endpoint's operations, newest first
func (c *Coordinator) ListEndpointOperations(ctx context.Context, endpointID string, limit int) ([]*types.SyncOperation, error) {
	return c.store.ListEndpointOperations(ctx, endpointID, limit)
}

// ListPoolOperations returns a pool's operations, newest first
func (c *Coordinator) ListPoolOperations(ctx context.Context, poolID string, limit int) ([]*types.SyncOperation, error) {
	return c.store.ListPoolOperations(ctx, poolID, limit)
}

// submit persists the operation as pending and hands it to the loop
func (c *Coordinator) submit(ctx context.Context, op *types.SyncOperation) (*types.SyncOperation, error) {
	select {
	case <-c.quiesceCh:
		return nil, errdefs.Conflict("coordinator is shutting down")
	default:
	}

	op.ID = uuid.New().String()
	op.Status = types.OperationPending
	op.CreatedAt = c.now().UTC()
	if op.Details == nil {
		op.Details = make(map[string]string)
	}

	if err := c.store.CreateOperation(ctx, op); err != nil {
		return nil, err
	}

	// The loop owns op from here on; the caller gets a pending snapshot
	pending := snapshot(op)
	if err := c.send(ctx, message{kind: msgSubmit, op: op}); err != nil {
		return nil, err
	}

	log.WithOperationID(op.ID).Info().
		Str("endpoint_id", op.EndpointID).
		Str("type", string(op.Type)).
		Msg("operation queued")
	return pending, nil
}

func snapshot(op *types.SyncOperation) *types.SyncOperation {
	cp := *op
	cp.Details = make(map[string]string, len(op.Details))
	for k, v := range op.Details {
		cp.Details[k] = v
	}
	return &cp
}

func (c *Coordinator) send(ctx context.Context, msg message) error {
	msg.reply = make(chan error, 1)
	select {
	case c.msgCh <- msg:
	case <-c.stopCh:
		return errdefs.Conflict("coordinator is shutting down")
	case <-ctx.Done():
		return errdefs.Internal(ctx.Err(), "coordinator submit")
	}

	select {
	case err := <-msg.reply:
		return err
	case <-ctx.Done():
		return errdefs.Internal(ctx.Err(), "coordinator reply")
	}
}

func (c *Coordinator) run() {
	defer close(c.doneCh)

	// Kick recovered queues from before the restart
	for endpointID := range c.queues {
		c.dispatch(endpointID)
	}

	watchdog := time.NewTicker(c.watchdogEvery)
	defer watchdog.Stop()

	for {
		select {
		case msg := <-c.msgCh:
			msg.reply <- c.handle(msg)
			// Pickup happens after the reply so a submit is observed as
			// pending, never as already started.
			if msg.kind == msgSubmit {
				c.dispatch(msg.op.EndpointID)
			}
		case <-watchdog.C:
			c.reapTimeouts()
		case <-c.stopCh:
			c.shutdown()
			return
		}
	}
}

func (c *Coordinator) handle(msg message) error {
	switch msg.kind {
	case msgSubmit:
		c.queues[msg.op.EndpointID] = append(c.queues[msg.op.EndpointID], msg.op)
		return nil
	case msgCancel:
		return c.cancel(msg.opID)
	case msgProgress:
		return c.progress(msg.opID, msg.progress)
	case msgComplete:
		return c.complete(msg.opID, msg.success, msg.errMsg)
	case msgIdleCheck:
		if len(c.active) > 0 {
			return errdefs.Conflict("operations in flight")
		}
		return nil
	default:
		return errdefs.Internal(nil, "unknown coordinator message %d", msg.kind)
	}
}

// dispatch starts the endpoint's next pending operation if nothing is
// in flight.
func (c *Coordinator) dispatch(endpointID string) {
	if _, busy := c.active[endpointID]; busy {
		return
	}
	queue := c.queues[endpointID]
	if len(queue) == 0 {
		return
	}

	op := queue[0]
	c.queues[endpointID] = queue[1:]

	op.Status = types.OperationInProgress
	op.StartedAt = c.now().UTC()
	if err := c.persist(op); err != nil {
		log.WithOperationID(op.ID).Error().Err(err).Msg("failed to start operation")
		return
	}
	c.active[endpointID] = op
	c.publish(op, types.EventOperationStarted, nil)

	// set_latest is executed server-side: promote the captured state to
	// the pool target and finish immediately.
	if op.Type == types.OperationSetLatest {
		c.finishSetLatest(op)
	}
}

func (c *Coordinator) finishSetLatest(op *types.SyncOperation) {
	ctx := context.Background()
	err := c.store.SetPoolTarget(ctx, op.PoolID, op.Details["state_id"])

	delete(c.active, op.EndpointID)
	op.CompletedAt = c.now().UTC()
	if err != nil {
		op.Status = types.OperationFailed
		op.ErrorMessage = fmt.Sprintf("set pool target failed (%s)", errdefs.KindOf(err))
	} else {
		op.Status = types.OperationCompleted
	}
	if perr := c.persist(op); perr != nil {
		log.WithOperationID(op.ID).Error().Err(perr).Msg("failed to finish set_latest")
	}

	if op.Status == types.OperationCompleted {
		c.publish(op, types.EventOperationCompleted, nil)
	} else {
		c.publish(op, types.EventOperationFailed, nil)
	}
	c.dispatch(op.EndpointID)
}

func (c *Coordinator) cancel(opID string) error {
	op, err := c.store.GetOperation(context.Background(), opID)
	if err != nil {
		return err
	}
	if op.Status != types.OperationPending {
		return errdefs.Conflict("operation %s is %s, only pending operations can be cancelled", opID, op.Status)
	}

	// Remove from the endpoint's queue
	queue := c.queues[op.EndpointID]
	for i, queued := range queue {
		if queued.ID == opID {
			c.queues[op.EndpointID] = append(queue[:i], queue[i+1:]...)
			break
		}
	}

	op.Status = types.OperationFailed
	op.ErrorMessage = "cancelled"
	op.CompletedAt = c.now().UTC()
	if err := c.persist(op); err != nil {
		return err
	}
	c.publish(op, types.EventOperationCancelled, nil)
	log.WithOperationID(opID).Info().Msg("operation cancelled")
	return nil
}

func (c *Coordinator) progress(opID string, progress *types.OperationProgress) error {
	op, ok := c.findActive(opID)
	if !ok {
		stored, err := c.store.GetOperation(context.Background(), opID)
		if err != nil {
			return err
		}
		return errdefs.Conflict("operation %s is %s, progress requires in_progress", opID, stored.Status)
	}

	op.Details["progress_stage"] = progress.Stage
	op.Details["progress_percentage"] = strconv.Itoa(progress.Percentage)
	if progress.CurrentAction != "" {
		op.Details["progress_action"] = progress.CurrentAction
	}
	if err := c.persist(op); err != nil {
		return err
	}

	c.publish(op, types.EventOperationProgress, map[string]string{
		"stage":      progress.Stage,
		"percentage": strconv.Itoa(progress.Percentage),
		"action":     progress.CurrentAction,
	})
	return nil
}

func (c *Coordinator) complete(opID string, success bool, errMsg string) error {
	op, ok := c.findActive(opID)
	if !ok {
		stored, err := c.store.GetOperation(context.Background(), opID)
		if err != nil {
			return err
		}
		return errdefs.Conflict("operation %s is %s, completion requires in_progress", opID, stored.Status)
	}

	delete(c.active, op.EndpointID)
	op.CompletedAt = c.now().UTC()
	if success {
		op.Status = types.OperationCompleted
	} else {
		op.Status = types.OperationFailed
		op.ErrorMessage = errMsg
	}
	if err := c.persist(op); err != nil {
		return err
	}

	if success {
		c.markInSync(op)
		c.publish(op, types.EventOperationCompleted, nil)
	} else {
		c.publish(op, types.EventOperationFailed, nil)
	}

	log.WithOperationID(op.ID).Info().
		Str("status", string(op.Status)).
		Msg("operation finished")
	c.dispatch(op.EndpointID)
	return nil
}

// markInSync records that the endpoint converged after a successful sync
// or revert.
func (c *Coordinator) markInSync(op *types.SyncOperation) {
	ctx := context.Background()
	ep, err := c.store.GetEndpoint(ctx, op.EndpointID)
	if err != nil {
		return
	}
	ep.SyncStatus = types.SyncStatusInSync
	ep.UpdatedAt = c.now().UTC()
	if err := c.store.UpdateEndpoint(ctx, ep); err != nil {
		log.WithEndpointID(op.EndpointID).Warn().Err(err).Msg("failed to update sync status")
	}
}

func (c *Coordinator) reapTimeouts() {
	now := c.now().UTC()
	for endpointID, op := range c.active {
		if now.Sub(op.StartedAt) < operationTimeout(op.Type) {
			continue
		}

		delete(c.active, endpointID)
		op.Status = types.OperationFailed
		op.ErrorMessage = "timeout"
		op.CompletedAt = now
		if err := c.persist(op); err != nil {
			log.WithOperationID(op.ID).Error().Err(err).Msg("failed to record timeout")
			continue
		}
		c.publish(op, types.EventOperationFailed, nil)
		log.WithOperationID(op.ID).Warn().
			Str("type", string(op.Type)).
			Msg("operation timed out")

		c.dispatch(endpointID)
	}
}

// shutdown fails everything still queued or in flight
func (c *Coordinator) shutdown() {
	for endpointID, queue := range c.queues {
		for _, op := range queue {
			c.failForShutdown(op)
		}
		delete(c.queues, endpointID)
	}
	for endpointID, op := range c.active {
		c.failForShutdown(op)
		delete(c.active, endpointID)
	}
}

func (c *Coordinator) failForShutdown(op *types.SyncOperation) {
	op.Status = types.OperationFailed
	op.ErrorMessage = "shutdown"
	op.CompletedAt = c.now().UTC()
	if err := c.persist(op); err != nil {
		log.WithOperationID(op.ID).Error().Err(err).Msg("failed to record shutdown")
	}
}

func (c *Coordinator) findActive(opID string) (*types.SyncOperation, bool) {
	for _, op := range c.active {
		if op.ID == opID {
			return op, true
		}
	}
	return nil, false
}

func (c *Coordinator) persist(op *types.SyncOperation) error {
	if err := c.store.UpdateOperation(context.Background(), op); err != nil {
		return err
	}
	if op.Status.Terminal() {
		metrics.OperationsTotal.WithLabelValues(string(op.Type), string(op.Status)).Inc()
		if !op.StartedAt.IsZero() {
			metrics.OperationDuration.WithLabelValues(string(op.Type)).
				Observe(op.CompletedAt.Sub(op.StartedAt).Seconds())
		}
	}
	return nil
}

func (c *Coordinator) publish(op *types.SyncOperation, eventType types.EventType, extra map[string]string) {
	data := map[string]string{
		"operation_id": op.ID,
		"type":         string(op.Type),
		"status":       string(op.Status),
	}
	if op.ErrorMessage != "" {
		data["error"] = op.ErrorMessage
	}
	for k, v := range extra {
		data[k] = v
	}
	c.broker.Publish(&types.Event{
		Type:       eventType,
		EndpointID: op.EndpointID,
		Data:       data,
	})
}

func operationTimeout(t types.OperationType) time.Duration {
	switch t {
	case types.OperationSetLatest:
		return setLatestTimeout
	case types.OperationRevert:
		return revertTimeout
	default:
		return syncTimeout
	}
}
