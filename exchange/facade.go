package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dataparency-dev/exchange/auction"
	"github.com/dataparency-dev/exchange/dispatch"
	"github.com/dataparency-dev/exchange/events"
	"github.com/dataparency-dev/exchange/queue"
	"github.com/dataparency-dev/exchange/ratelimit"
	"github.com/dataparency-dev/exchange/registry"
	"github.com/dataparency-dev/exchange/remoteagent"
	"github.com/dataparency-dev/exchange/reputation"
	"github.com/dataparency-dev/exchange/security"
	"github.com/dataparency-dev/exchange/storage"
	"github.com/dataparency-dev/exchange/transport"
	"github.com/dataparency-dev/exchange/types"
)

// Facade is the exchange's single public entry point: submit/cancel/
// getTask/shutdown plus the websocket accept handler, wiring C1-C12 per
// SPEC_FULL.md.
type Facade struct {
	cfg  Config
	log  zerolog.Logger
	bus  *events.Bus
	stor storage.Adapter

	reputation *reputation.Store
	limiter    *ratelimit.Limiter
	registry   *registry.Registry
	pending    *queue.Queue
	coord      *auction.Coordinator
	dispatcher *dispatch.Dispatcher
	sessions   *transport.Manager
	remote     *remoteagent.Client

	tasksMu sync.RWMutex
	tasks   map[string]types.Task

	tokensMu sync.Mutex
	tokens   map[string]*security.DCT // taskID -> current bearer's token

	workers   int
	stopOnce  sync.Once
	stop      chan struct{}
	workersWG sync.WaitGroup
}

// New builds and wires a Facade from cfg. workers is the number of
// background goroutines draining the pending queue into auctions.
func New(cfg Config, workers int, log zerolog.Logger) (*Facade, error) {
	bus := events.New(log)

	var adapter storage.Adapter
	switch cfg.Storage.Backend {
	case "file":
		fa, err := storage.NewFile(cfg.Storage.Dir, storage.FileOptions{FlushInterval: cfg.Storage.FlushEvery}, log)
		if err != nil {
			return nil, fmt.Errorf("open file storage: %w", err)
		}
		adapter = fa
	default:
		adapter = storage.NewMemory()
	}

	repStore := reputation.New(cfg.Reputation, adapter, bus, log)
	limiter := ratelimit.New(cfg.RateLimit)
	reg := registry.New(cfg.Transport.HealthTimeout, bus, log)
	remote := remoteagent.New(
		remoteagent.Timeouts{Bid: cfg.RemoteAgent.BidTimeout, Execute: cfg.RemoteAgent.ExecuteTimeout, Health: cfg.RemoteAgent.HealthTimeout},
		cfg.RemoteAgent.FailureThreshold, cfg.RemoteAgent.ResetTimeout,
	)

	f := &Facade{
		cfg:        cfg,
		log:        log.With().Str("component", "exchange").Logger(),
		bus:        bus,
		stor:       adapter,
		reputation: repStore,
		limiter:    limiter,
		registry:   reg,
		pending:    queue.New(),
		remote:     remote,
		tasks:      make(map[string]types.Task),
		tokens:     make(map[string]*security.DCT),
		workers:    workers,
		stop:       make(chan struct{}),
	}

	f.coord = auction.New(cfg.Auction, reg, repStore, limiter, bus, f, log)
	f.dispatcher = dispatch.New(cfg.Dispatch, reg, repStore, bus, f, f, log)
	f.dispatcher.OnReassign = f.attenuateToken
	f.sessions = transport.New(transport.Options{
		HeartbeatInterval: cfg.Transport.HeartbeatInterval,
		OnMessage:         f.handleInbound,
		OnDisconnect:      f.handleDisconnect,
		OnPong:            f.registry.Heartbeat,
	}, log)

	for i := 0; i < workers; i++ {
		f.workersWG.Add(1)
		go f.runWorker()
	}

	f.workersWG.Add(1)
	go f.runMaintenance()
	return f, nil
}

// runMaintenance drives the two periodic-maintenance operations spec.md
// names — registry.CheckHealth and reputation.DecayAll — each on its own
// ticker, stopped alongside the auction workers on Shutdown.
func (f *Facade) runMaintenance() {
	defer f.workersWG.Done()

	health := time.NewTicker(f.cfg.Maintenance.HealthCheckInterval)
	defer health.Stop()
	decay := time.NewTicker(f.cfg.Maintenance.DecayInterval)
	defer decay.Stop()

	for {
		select {
		case <-f.stop:
			return
		case <-health.C:
			f.registry.CheckHealth()
		case <-decay.C:
			f.reputation.DecayAll()
		}
	}
}

// DeliverBidRequest implements auction.Deliverer over the session manager.
func (f *Facade) DeliverBidRequest(agentID string, frame types.BidRequestFrame) bool {
	return f.sessions.Deliver(agentID, frame)
}

// DeliverAssignment implements dispatch.Deliverer over the session manager.
func (f *Facade) DeliverAssignment(agentID string, frame types.AssignmentFrame) bool {
	return f.sessions.Deliver(agentID, frame)
}

// Load implements dispatch.TaskStore.
func (f *Facade) Load(taskID string) (types.Task, bool) {
	f.tasksMu.RLock()
	defer f.tasksMu.RUnlock()
	t, ok := f.tasks[taskID]
	return t, ok
}

// Save implements dispatch.TaskStore.
func (f *Facade) Save(task types.Task) {
	f.tasksMu.Lock()
	f.tasks[task.ID] = task
	f.tasksMu.Unlock()
}

// Submit admits a new task: screens it, assigns an id, and enqueues it for
// auction. Screening warnings never block admission; the rate limiter can.
func (f *Facade) Submit(ctx context.Context, content string, metadata map[string]any, priority types.Priority, backups []string) (string, error) {
	task := types.Task{
		ID:          uuid.NewString(),
		Content:     content,
		Metadata:    metadata,
		Status:      types.TaskPending,
		Priority:    priority,
		BackupQueue: backups,
		CreatedAt:   time.Now(),
	}
	task.Warnings = security.ScreenTask(task)

	submittingAgent, _ := metadata["submitted_by"].(string)
	if decision := f.limiter.AdmitTask(submittingAgent); !decision.Allowed {
		return "", fmt.Errorf("rate limited, retry after %s", decision.RetryAfter)
	}

	task.Status = types.TaskOpen
	f.Save(task)
	f.pending.Enqueue(task.ID, task.Priority)
	return task.ID, nil
}

// Cancel removes taskID from the pending queue or aborts its in-flight
// dispatch, marking it CANCELLED either way.
func (f *Facade) Cancel(taskID string) bool {
	task, ok := f.Load(taskID)
	if !ok {
		return false
	}
	f.pending.Remove(taskID)
	f.dispatcher.Abort(taskID)
	task.Status = types.TaskCancelled
	f.Save(task)
	f.bus.Publish(events.Event{Type: events.TaskCancelled, Payload: task})
	return true
}

// GetTask returns a snapshot of taskID's current state.
func (f *Facade) GetTask(taskID string) (types.Task, bool) {
	return f.Load(taskID)
}

// Shutdown stops accepting new work, drains in-flight workers, closes every
// open session, and flushes storage.
func (f *Facade) Shutdown(ctx context.Context) error {
	f.stopOnce.Do(func() { close(f.stop) })
	done := make(chan struct{})
	go func() {
		f.workersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		f.log.Warn().Msg("shutdown deadline exceeded waiting on workers")
	}
	f.sessions.CloseAll()
	return f.stor.Close()
}

// Accept upgrades an inbound HTTP request to a persistent agent session,
// registering the agent with the live registry once its register frame
// arrives.
func (f *Facade) Accept(w http.ResponseWriter, r *http.Request) error {
	sess, reg, err := f.sessions.Accept(w, r)
	if err != nil {
		return err
	}
	rec := f.registry.Register(sess, *reg)
	sess.Send(types.RegisteredFrame{
		Type:            types.FrameRegistered,
		ProtocolVersion: reg.ProtocolVersion,
		AgentID:         rec.ID,
		Config: types.RegisteredConfig{
			HeartbeatIntervalMs: f.cfg.Transport.HeartbeatInterval.Milliseconds(),
			DefaultTimeoutMs:    f.cfg.Dispatch.ExecutionTimeout.Milliseconds(),
		},
	})
	return nil
}

func (f *Facade) handleDisconnect(agentID string) {
	f.registry.Unregister(agentID, "transport closed")
	f.dispatcher.HandleDisconnect(context.Background(), agentID)
}

func (f *Facade) handleInbound(agentID string, raw json.RawMessage, frameType types.FrameType) {
	switch frameType {
	case types.FrameBidResponse:
		var frame types.BidResponseFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			f.log.Warn().Err(err).Str("agent", agentID).Msg("malformed bid_response")
			return
		}
		if frame.Bid == nil {
			f.coord.Decline(frame.AuctionID, agentID)
			return
		}
		bid := types.Bid{
			AgentID: agentID, AgentVersion: frame.AgentVersion,
			Confidence: frame.Bid.Confidence, Reasoning: frame.Bid.Reasoning,
			EstimatedTime: frame.Bid.EstimatedTime, Timestamp: time.Now(),
			Tier: frame.Bid.Tier, Metadata: frame.Bid.Metadata,
		}
		f.coord.SubmitBid(frame.AuctionID, bid)
	case types.FrameResult:
		var frame types.ResultFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			f.log.Warn().Err(err).Str("agent", agentID).Msg("malformed task_result")
			return
		}
		f.dispatcher.HandleResult(context.Background(), frame.TaskID, agentID, frame.Result)
	case types.FrameRegister:
		// re-registration on an already-open session; ignored, the register
		// frame is only consulted once during Accept.
	default:
		f.log.Debug().Str("agent", agentID).Str("type", string(frameType)).Msg("unhandled frame type")
	}
}

// runWorker drains the pending queue, running one auction at a time per
// worker and handing the winner off to the dispatcher.
func (f *Facade) runWorker() {
	defer f.workersWG.Done()
	for {
		select {
		case <-f.stop:
			return
		default:
		}

		taskID, ok := f.pending.Dequeue()
		if !ok {
			select {
			case <-f.stop:
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		task, ok := f.Load(taskID)
		if !ok || task.Status != types.TaskOpen {
			continue
		}
		f.runAuctionAndDispatch(task)
	}
}

func (f *Facade) runAuctionAndDispatch(task types.Task) {
	task.Status = types.TaskMatching
	task.AuctionAttempt++
	f.Save(task)

	outcome, err := f.coord.RunAuction(context.Background(), task)
	if err != nil {
		if err == auction.ErrTooManyAuctions {
			// Concurrent-auction cap saturated; requeue at the back of its
			// band rather than dead-lettering a task nobody got a chance to
			// bid on.
			task.Status = types.TaskOpen
			f.Save(task)
			time.AfterFunc(f.cfg.Auction.RequeueBackoff, func() { f.pending.Enqueue(task.ID, task.Priority) })
			return
		}
		if _, noBidders := err.(auction.NoBidders); noBidders && task.AuctionAttempt < f.cfg.Auction.MaxAuctionAttempts {
			// No bids this round; re-queue at the same priority after a
			// short backoff rather than dead-lettering on the first empty
			// auction (spec §4.7).
			task.Status = types.TaskOpen
			f.Save(task)
			time.AfterFunc(f.cfg.Auction.RequeueBackoff, func() { f.pending.Enqueue(task.ID, task.Priority) })
			return
		}
		task.Status = types.TaskDeadLetter
		task.Reason = err.Error()
		f.Save(task)
		f.bus.Publish(events.Event{Type: events.TaskDeadLetter, Payload: task})
		return
	}

	f.issueToken(outcome.Task, outcome.Winner)
	f.Save(outcome.Task)
	f.dispatcher.Assign(context.Background(), outcome.Task, outcome.Winner, false, 0)
}

// issueToken mints a DCT for the auction winner when the task's metadata
// declares permissions to scope it to, per SPEC_FULL.md's Supplemented
// Features. Tasks without a permissions key skip issuance entirely.
func (f *Facade) issueToken(task types.Task, winner string) {
	perms, ok := task.Metadata["permissions"].(string)
	if !ok || perms == "" {
		return
	}
	token := security.MintDCT("exchange", winner, task.ID, f.cfg.Dispatch.ExecutionTimeout, security.Caveat{Type: "operation", Key: "permissions", Value: perms})
	f.tokensMu.Lock()
	f.tokens[task.ID] = token
	f.tokensMu.Unlock()
}

// attenuateToken narrows taskID's current token to its next bearer when a
// backup cascade reassigns the task, capping the child's TTL to whatever
// execution budget remains.
func (f *Facade) attenuateToken(taskID, newAgentID string) {
	f.tokensMu.Lock()
	cur, ok := f.tokens[taskID]
	f.tokensMu.Unlock()
	if !ok {
		return
	}
	child, err := cur.Attenuate(newAgentID, f.cfg.Dispatch.ExecutionTimeout)
	if err != nil {
		f.log.Warn().Err(err).Str("task", taskID).Msg("attenuate token for backup cascade")
		return
	}
	f.tokensMu.Lock()
	f.tokens[taskID] = child
	f.tokensMu.Unlock()
}

// Token returns the currently active DCT for taskID, if one was issued.
func (f *Facade) Token(taskID string) (*security.DCT, bool) {
	f.tokensMu.Lock()
	defer f.tokensMu.Unlock()
	t, ok := f.tokens[taskID]
	return t, ok
}
