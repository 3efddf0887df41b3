// Package dispatch implements the Dispatcher (C10): delivers an
// assignment, awaits the result under a timeout, cascades to backups on
// failure/timeout/disconnect, and dead-letters when backups are
// exhausted. Grounded on engine.go's reDelegate/evaluateAndRespond
// adaptive-response cycle, generalized from urgency/reversibility
// branching to backup cascading.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dataparency-dev/exchange/events"
	"github.com/dataparency-dev/exchange/registry"
	"github.com/dataparency-dev/exchange/reputation"
	"github.com/dataparency-dev/exchange/transport"
	"github.com/dataparency-dev/exchange/types"
)

// Deliverer sends a task_assignment to an agent, returning false if
// undeliverable.
type Deliverer interface {
	DeliverAssignment(agentID string, frame types.AssignmentFrame) bool
}

// Config holds the dispatcher's tunables from spec.md §6.
type Config struct {
	ExecutionTimeout   time.Duration
	MaxAuctionAttempts int
}

// DefaultConfig matches spec.md's stated defaults.
func DefaultConfig() Config {
	return Config{ExecutionTimeout: 30 * time.Second, MaxAuctionAttempts: 3}
}

// TaskStore is the narrow slice of the facade's task table the dispatcher
// needs to read and mutate; implemented by exchange.Facade.
type TaskStore interface {
	Load(taskID string) (types.Task, bool)
	Save(task types.Task)
}

// attempt tracks one (task, agentID) assignment in flight, serialized per
// task so only one backup escalation runs at a time (spec.md §5).
type attempt struct {
	mu        sync.Mutex
	taskID    string
	agentID   string
	attemptNo int
	timer     *time.Timer
	settled   bool // reputation event already applied for this attempt
	cancelled bool
}

// Dispatcher owns in-flight assignments, keyed by taskID.
type Dispatcher struct {
	cfg        Config
	registry   *registry.Registry
	reputation *reputation.Store
	dedup      *transport.ResultDedup
	bus        *events.Bus
	deliverer  Deliverer
	tasks      TaskStore
	log        zerolog.Logger

	mu       sync.Mutex
	inflight map[string]*attempt

	// OnReassign, if set, is invoked whenever a backup cascade hands a task
	// to its next agent — used by the facade to attenuate that task's
	// capability token to the new bearer.
	OnReassign func(taskID, newAgentID string)
}

// New builds a dispatcher wired to its collaborators.
func New(cfg Config, reg *registry.Registry, rep *reputation.Store, bus *events.Bus, deliverer Deliverer, tasks TaskStore, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:        cfg,
		registry:   reg,
		reputation: rep,
		dedup:      transport.NewResultDedup(10 * time.Minute),
		bus:        bus,
		deliverer:  deliverer,
		tasks:      tasks,
		log:        log.With().Str("component", "dispatch").Logger(),
		inflight:   make(map[string]*attempt),
	}
}

// Assign delivers task to agentID as attemptNo-th assignment, starting the
// execution timeout timer. isBackup/backupIndex are forwarded so the agent
// can distinguish a primary assignment from a cascade.
func (d *Dispatcher) Assign(ctx context.Context, task types.Task, agentID string, isBackup bool, backupIndex int) {
	at := &attempt{taskID: task.ID, agentID: agentID, attemptNo: task.AuctionAttempt}

	d.mu.Lock()
	d.inflight[task.ID] = at
	d.mu.Unlock()

	d.registry.IncrementTaskCount(agentID)

	task.AssignedAgent = agentID
	task.Status = types.TaskAssigned
	now := time.Now()
	task.AssignedAt = &now
	timeoutAt := now.Add(d.cfg.ExecutionTimeout)
	task.TimeoutAt = &timeoutAt
	d.tasks.Save(task)

	delivered := d.deliverer.DeliverAssignment(agentID, types.AssignmentFrame{
		Type:           types.FrameAssignment,
		TaskID:         task.ID,
		Task:           task,
		IsBackup:       isBackup,
		BackupIndex:    backupIndex,
		Timeout:        d.cfg.ExecutionTimeout.Milliseconds(),
		PreviousErrors: task.PreviousErrors,
	})
	if !delivered {
		d.conclude(ctx, at, task, outcomeDisconnect, types.TaskResult{})
		return
	}

	at.timer = time.AfterFunc(d.cfg.ExecutionTimeout, func() {
		d.conclude(ctx, at, task, outcomeTimeout, types.TaskResult{})
	})
}

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeFailure
	outcomeTimeout
	outcomeDisconnect
)

// HandleResult processes an agent's task_result frame, deduplicating
// repeat deliveries of the same (taskID, agentID, attempt) per spec.md §8.
func (d *Dispatcher) HandleResult(ctx context.Context, taskID, agentID string, result types.TaskResult) {
	d.mu.Lock()
	at, ok := d.inflight[taskID]
	d.mu.Unlock()
	if !ok || at.agentID != agentID {
		return // late/unexpected result for a task no longer assigned to this agent
	}

	task, ok := d.tasks.Load(taskID)
	if !ok {
		return
	}

	kind := outcomeSuccess
	if !result.Success {
		kind = outcomeFailure
	}
	d.conclude(ctx, at, task, kind, result)
}

// HandleDisconnect treats every task currently assigned to agentID as a
// disconnect-equivalent failure.
func (d *Dispatcher) HandleDisconnect(ctx context.Context, agentID string) {
	d.mu.Lock()
	var affected []*attempt
	for _, at := range d.inflight {
		if at.agentID == agentID {
			affected = append(affected, at)
		}
	}
	d.mu.Unlock()

	for _, at := range affected {
		task, ok := d.tasks.Load(at.taskID)
		if !ok {
			continue
		}
		d.conclude(ctx, at, task, outcomeDisconnect, types.TaskResult{Error: "agent disconnected mid-execution"})
	}
}

// Abort cancels the in-flight wait for taskID (used by Facade.Cancel):
// stops the timer and suppresses any further state transition for this
// attempt; a late-arriving result is dropped.
func (d *Dispatcher) Abort(taskID string) {
	d.mu.Lock()
	at, ok := d.inflight[taskID]
	if ok {
		delete(d.inflight, taskID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	at.mu.Lock()
	at.cancelled = true
	if at.timer != nil {
		at.timer.Stop()
	}
	at.mu.Unlock()
	d.registry.DecrementTaskCount(at.agentID)
}

// conclude applies exactly one outcome to one attempt, regardless of the
// order result/timeout/disconnect arrive in (spec.md §4.8's exactly-once
// guarantee). key dedup prevents a duplicate delivery from double-applying
// a reputation event.
func (d *Dispatcher) conclude(ctx context.Context, at *attempt, task types.Task, kind outcomeKind, result types.TaskResult) {
	key := transport.Key(at.taskID, at.agentID, at.attemptNo)
	if !d.dedup.FirstDelivery(key) {
		return
	}

	at.mu.Lock()
	if at.cancelled || at.settled {
		at.mu.Unlock()
		return
	}
	at.settled = true
	if at.timer != nil {
		at.timer.Stop()
	}
	at.mu.Unlock()

	d.mu.Lock()
	if cur, ok := d.inflight[at.taskID]; ok && cur == at {
		delete(d.inflight, at.taskID)
	}
	d.mu.Unlock()

	d.registry.DecrementTaskCount(at.agentID)

	rec, _ := d.registry.Get(at.agentID)
	version := rec.Version

	switch kind {
	case outcomeSuccess:
		d.reputation.RecordSuccess(at.agentID, version)
		now := time.Now()
		task.Status = types.TaskSettled
		task.CompletedAt = &now
		task.Result = &result
		d.tasks.Save(task)
		if d.bus != nil {
			d.bus.Publish(events.Event{Type: events.TaskSettled, Payload: task})
		}
		return
	case outcomeTimeout:
		d.reputation.RecordFailure(at.agentID, version, reputation.FailureOutcome{IsTimeout: true})
		task.PreviousErrors = append(task.PreviousErrors, "execution timeout by "+at.agentID)
	case outcomeDisconnect:
		d.reputation.RecordFailure(at.agentID, version, reputation.FailureOutcome{IsTimeout: true})
		task.PreviousErrors = append(task.PreviousErrors, "agent disconnected: "+at.agentID)
		if d.bus != nil {
			d.bus.Publish(events.Event{Type: events.TaskAgentDisconnected, Payload: task})
		}
	case outcomeFailure:
		d.reputation.RecordFailure(at.agentID, version, reputation.FailureOutcome{IsTimeout: false, Error: result.Error})
		task.PreviousErrors = append(task.PreviousErrors, result.Error)
	}

	task.Status = types.TaskBusted
	if next, ok := task.NextBackup(); ok && task.AuctionAttempt < d.cfg.MaxAuctionAttempts {
		d.tasks.Save(task)
		if d.OnReassign != nil {
			d.OnReassign(task.ID, next)
		}
		d.Assign(ctx, task, next, true, task.BackupIndex)
		return
	}

	now := time.Now()
	task.Status = types.TaskDeadLetter
	task.CompletedAt = &now
	task.Reason = deadLetterReason(task)
	d.tasks.Save(task)
	if d.bus != nil {
		d.bus.Publish(events.Event{Type: events.TaskDeadLetter, Payload: task})
	}
}

func deadLetterReason(task types.Task) string {
	if len(task.PreviousErrors) == 0 {
		return "no bidders"
	}
	return "backups exhausted: " + task.PreviousErrors[len(task.PreviousErrors)-1]
}
