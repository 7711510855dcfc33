// Package fleetcontroller implements the top tier of the control plane: it
// owns the Instance table, materializes desired cluster shape through a
// fleetprovider.Provider, drives the autoscaler, and is the heartbeat sink
// of last resort for the Dispatcher. Worker heartbeats go to the Dispatcher
// and are not forwarded here, so a worker's liveness is judged only from
// heartbeats the worker sends to the Fleet Controller directly.
package fleetcontroller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sentryfleet/sentryfleet/pkg/autoscaler"
	"github.com/sentryfleet/sentryfleet/pkg/events"
	"github.com/sentryfleet/sentryfleet/pkg/fleetprovider"
	"github.com/sentryfleet/sentryfleet/pkg/log"
	"github.com/sentryfleet/sentryfleet/pkg/metrics"
	"github.com/sentryfleet/sentryfleet/pkg/objectstore"
	"github.com/sentryfleet/sentryfleet/pkg/types"
)

// selfInstanceID keys the Fleet Controller's own log fragments: it is never
// tracked in the Instance table, so it needs a fixed identifier instead of
// one assigned by the provider.
const selfInstanceID = "fleet-controller"

// Config holds the Fleet Controller's tunables.
type Config struct {
	FleetSyncInterval  time.Duration
	StartSignalTimeout time.Duration
	HeartbeatTimeout   time.Duration
	TickInterval       time.Duration
	LoggingInterval    time.Duration
	Debug              bool

	GitPull   string
	FCAddress string
	DAddress  string
	AccountID string
}

// FleetController owns the Instance table and the autoscaler.
type FleetController struct {
	cfg        Config
	provider   fleetprovider.Provider
	autoscaler *autoscaler.Autoscaler
	broker     *events.Broker
	store      *Store
	objStore   objectstore.Store

	mu            sync.Mutex
	instances     map[string]*types.Instance
	lastReconcile time.Time

	stopCh chan struct{}
}

// New creates a FleetController. objStore may be nil if log-fragment
// uploads are not needed (e.g. in tests).
func New(cfg Config, provider fleetprovider.Provider, as *autoscaler.Autoscaler, broker *events.Broker, store *Store, objStore objectstore.Store) *FleetController {
	return &FleetController{
		cfg:        cfg,
		provider:   provider,
		autoscaler: as,
		broker:     broker,
		store:      store,
		objStore:   objStore,
		instances:  make(map[string]*types.Instance),
		stopCh:     make(chan struct{}),
	}
}

// Bootstrap loads persisted instance state and runs one synchronous
// reconcile pass, which ensures the dispatcher is running before returning
// (startInstance blocks on WaitRunning for the dispatcher role). Callers
// must finish Bootstrap before they start serving the protocol/HTTP
// listeners, then hand off to Run for the ongoing control loop.
func (fc *FleetController) Bootstrap(ctx context.Context) {
	fc.loadPersisted()
	fc.tick(ctx)
}

func (fc *FleetController) loadPersisted() {
	if fc.store == nil {
		return
	}
	saved, err := fc.store.LoadAll()
	if err != nil {
		log.Errorf("fleetcontroller: load persisted instances failed", err)
		return
	}
	fc.mu.Lock()
	for _, inst := range saved {
		fc.instances[inst.ID] = inst
	}
	fc.mu.Unlock()
}

// Run starts the control loop. It blocks until ctx is cancelled or Cancel
// is called.
func (fc *FleetController) Run(ctx context.Context) {
	fc.loadPersisted()

	if fc.cfg.LoggingInterval > 0 && fc.objStore != nil {
		go fc.runLogUploader(ctx)
	}

	ticker := time.NewTicker(fc.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fc.tick(ctx)
		case <-fc.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (fc *FleetController) runLogUploader(ctx context.Context) {
	ticker := time.NewTicker(fc.cfg.LoggingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fc.uploadLogFragment(ctx)
		case <-fc.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (fc *FleetController) uploadLogFragment(ctx context.Context) {
	fc.mu.Lock()
	n := len(fc.instances)
	fc.mu.Unlock()

	line := fmt.Sprintf("time=%d instances=%d\n", time.Now().Unix(), n)
	if err := objectstore.UploadLogFragment(ctx, fc.objStore, fc.cfg.AccountID, selfInstanceID, []byte(line)); err != nil {
		log.Errorf("fleetcontroller: log fragment upload failed", err)
	}
}

// Cancel stops all non-dispatcher instances (the dispatcher is preserved
// in debug mode) and halts the Run loop.
func (fc *FleetController) Cancel(ctx context.Context) {
	fc.mu.Lock()
	targets := make([]string, 0, len(fc.instances))
	for id, inst := range fc.instances {
		if inst.Role == types.RoleDispatcher && fc.cfg.Debug {
			continue
		}
		targets = append(targets, id)
	}
	fc.mu.Unlock()

	for _, id := range targets {
		if err := fc.provider.Stop(ctx, id); err != nil {
			log.Errorf("fleetcontroller: stop on cancel failed", err)
		}
	}

	close(fc.stopCh)
}

func (fc *FleetController) tick(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileDuration)

	if time.Since(fc.lastReconcile) >= fc.cfg.FleetSyncInterval {
		fc.reconcileFleet(ctx)
		fc.lastReconcile = time.Now()
	}

	fc.ensureDispatcher(ctx)
	fc.ensureWorker(ctx)
	fc.checkAllLiving(ctx)
	fc.runAutoscaler(ctx)
}

// reconcileFleet polls the provider and refreshes the in-memory Instance
// table, persisting the result if a store is configured.
func (fc *FleetController) reconcileFleet(ctx context.Context) {
	observed, err := fc.provider.List(ctx)
	if err != nil {
		log.Errorf("fleetcontroller: provider list failed", err)
		return
	}

	fc.mu.Lock()
	seen := make(map[string]bool, len(observed))
	for _, inst := range observed {
		seen[inst.ID] = true
		if existing, ok := fc.instances[inst.ID]; ok {
			existing.LifecycleState = inst.LifecycleState
			existing.PublicIP = inst.PublicIP
		} else {
			fc.instances[inst.ID] = inst
		}
	}
	for id, inst := range fc.instances {
		if !seen[id] {
			inst.LifecycleState = types.LifecycleTerminated
		}
	}
	snapshot := fc.snapshotLocked()
	fc.mu.Unlock()

	counts := make(map[[2]string]int)
	for _, inst := range snapshot {
		counts[[2]string{string(inst.Role), string(inst.LifecycleState)}]++
	}
	metrics.InstancesTotal.Reset()
	for labels, n := range counts {
		metrics.InstancesTotal.WithLabelValues(labels[0], labels[1]).Set(float64(n))
	}

	if fc.store != nil {
		if err := fc.store.SaveAll(snapshot); err != nil {
			log.Errorf("fleetcontroller: persist instance table failed", err)
		}
	}
}

func (fc *FleetController) snapshotLocked() []*types.Instance {
	out := make([]*types.Instance, 0, len(fc.instances))
	for _, inst := range fc.instances {
		cp := *inst
		out = append(out, &cp)
	}
	return out
}

// ensureDispatcher guarantees exactly one dispatcher is running or pending.
func (fc *FleetController) ensureDispatcher(ctx context.Context) {
	fc.mu.Lock()
	var found bool
	for _, inst := range fc.instances {
		if inst.Role == types.RoleDispatcher &&
			(inst.LifecycleState == types.LifecycleRunning || inst.LifecycleState == types.LifecyclePending) {
			found = true
			break
		}
	}
	fc.mu.Unlock()

	if found {
		return
	}
	fc.startInstance(ctx, types.RoleDispatcher)
}

// ensureWorker guarantees at least one worker is running or pending.
func (fc *FleetController) ensureWorker(ctx context.Context) {
	fc.mu.Lock()
	var found bool
	for _, inst := range fc.instances {
		if inst.Role == types.RoleWorker &&
			(inst.LifecycleState == types.LifecycleRunning || inst.LifecycleState == types.LifecyclePending) {
			found = true
			break
		}
	}
	fc.mu.Unlock()

	if found {
		return
	}
	fc.startInstance(ctx, types.RoleWorker)
}

// startInstance picks a stopped instance of role from the known fleet and
// starts it. Bringing up the dispatcher blocks until it is running, per the
// control loop's one intentionally-synchronous provider call; bringing up a
// worker does not.
func (fc *FleetController) startInstance(ctx context.Context, role types.Role) {
	fc.mu.Lock()
	var target *types.Instance
	for _, inst := range fc.instances {
		if inst.Role == role && inst.LifecycleState == types.LifecycleStopped {
			target = inst
			break
		}
	}
	fc.mu.Unlock()

	if target == nil {
		log.Errorf(fmt.Sprintf("fleetcontroller: no stopped %s instance available to start", role), fmt.Errorf("pool exhausted"))
		return
	}

	if err := fc.provider.Start(ctx, target.ID); err != nil {
		log.Errorf("fleetcontroller: start instance failed", err)
		return
	}

	fc.mu.Lock()
	target.LifecycleState = types.LifecyclePending
	target.ProgramState = types.ProgramPending
	fc.mu.Unlock()

	if role == types.RoleDispatcher {
		fc.bootInstance(ctx, target)
		return
	}
	go fc.bootInstance(ctx, target)
}

func (fc *FleetController) bootInstance(ctx context.Context, inst *types.Instance) {
	if err := fc.provider.WaitRunning(ctx, inst.ID); err != nil {
		log.Errorf("fleetcontroller: wait running failed", err)
		return
	}

	fc.mu.Lock()
	inst.LifecycleState = types.LifecycleRunning
	fc.mu.Unlock()

	fc.sendBoot(ctx, inst)
}

func (fc *FleetController) sendBoot(ctx context.Context, inst *types.Instance) {
	args := fleetprovider.BootArgs{
		Role:       inst.Role,
		GitPull:    fc.cfg.GitPull,
		FCAddress:  fc.cfg.FCAddress,
		DAddress:   fc.cfg.DAddress,
		AccountID:  fc.cfg.AccountID,
		InstanceID: inst.ID,
	}
	if err := fc.provider.SendBoot(ctx, inst.ID, args); err != nil {
		log.Errorf("fleetcontroller: send boot failed", err)
		return
	}

	fc.mu.Lock()
	inst.LastStartSignalAt = time.Now()
	fc.mu.Unlock()
}

// checkAllLiving runs the per-instance liveness check over every known
// instance.
func (fc *FleetController) checkAllLiving(ctx context.Context) {
	fc.mu.Lock()
	instances := make([]*types.Instance, 0, len(fc.instances))
	for _, inst := range fc.instances {
		instances = append(instances, inst)
	}
	fc.mu.Unlock()

	now := time.Now()
	for _, inst := range instances {
		fc.checkLiving(ctx, inst, now)
	}
}

func (fc *FleetController) checkLiving(ctx context.Context, inst *types.Instance, now time.Time) {
	if inst.LifecycleState != types.LifecycleRunning && inst.LifecycleState != types.LifecyclePending {
		return
	}

	if !inst.LastHeartbeatAt.IsZero() {
		if now.Sub(inst.LastHeartbeatAt) < fc.cfg.HeartbeatTimeout {
			fc.mu.Lock()
			inst.ProgramState = types.ProgramRunning
			fc.mu.Unlock()
			return
		}

		// Heartbeat existed but timed out: treat as hung. Its heartbeat and
		// charge bookkeeping are cleared and another stopped instance of the
		// same role is started; this instance itself is not stopped or
		// restarted here.
		metrics.HeartbeatTimeoutsTotal.WithLabelValues(string(inst.Role)).Inc()
		fc.mu.Lock()
		inst.LastHeartbeatAt = time.Time{}
		inst.ChargeStartAt = time.Time{}
		fc.mu.Unlock()
		fc.startInstance(ctx, inst.Role)
		return
	}

	if now.Sub(inst.LastStartSignalAt) >= fc.cfg.StartSignalTimeout {
		metrics.BootRetriesTotal.WithLabelValues(inst.ID).Inc()
		fc.sendBoot(ctx, inst)
	}
}

// runAutoscaler queries the autoscaler and applies its decision by
// starting or stopping a worker.
func (fc *FleetController) runAutoscaler(ctx context.Context) {
	fc.mu.Lock()
	workers := 0
	for _, inst := range fc.instances {
		if inst.Role == types.RoleWorker &&
			(inst.LifecycleState == types.LifecycleRunning || inst.LifecycleState == types.LifecyclePending) {
			workers++
		}
	}
	fc.mu.Unlock()

	decision := fc.autoscaler.Decide(workers)
	metrics.AutoscalerDecisionsTotal.WithLabelValues(string(decision.Kind)).Inc()

	switch decision.Kind {
	case autoscaler.KindCreate:
		fc.startInstance(ctx, types.RoleWorker)
	case autoscaler.KindKill:
		if decision.KillTarget != "" {
			if err := fc.provider.Stop(ctx, decision.KillTarget); err != nil {
				log.Errorf("fleetcontroller: autoscaler stop failed", err)
				return
			}
			fc.mu.Lock()
			if inst, ok := fc.instances[decision.KillTarget]; ok {
				inst.LifecycleState = types.LifecycleStopping
			}
			fc.mu.Unlock()
		}
	}
}

// SubmitHeartbeat ingests a heartbeat from D or W and returns the reply.
func (fc *FleetController) SubmitHeartbeat(hb *types.HeartBeat) *types.HeartBeat {
	fc.mu.Lock()
	inst, ok := fc.instances[hb.InstanceID]
	if ok {
		inst.LastHeartbeatAt = time.Now()
	}

	switch hb.InstanceType {
	case types.RoleDispatcher:
		fc.autoscaler.Observe(autoscaler.Sample{
			TasksWaiting:     hb.TasksWaiting,
			TasksRunning:     hb.TasksRunning,
			WorkerAllocation: hb.WorkerAllocation,
		})

		var running, pending []string
		for _, i := range fc.instances {
			if i.Role != types.RoleWorker {
				continue
			}
			switch i.LifecycleState {
			case types.LifecycleRunning:
				running = append(running, i.ID)
			case types.LifecyclePending:
				pending = append(pending, i.ID)
			}
		}
		fc.mu.Unlock()

		return &types.HeartBeat{
			PacketType:     types.PacketHeartBeat,
			Time:           time.Now().Unix(),
			WorkersRunning: running,
			WorkersPending: pending,
		}
	default:
		fc.mu.Unlock()
		return &types.HeartBeat{PacketType: types.PacketHeartBeat, Time: time.Now().Unix(), InstanceID: hb.InstanceID}
	}
}
