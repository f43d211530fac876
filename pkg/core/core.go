package core

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreadstar/meshcore/internal/sync2"
	"github.com/dreadstar/meshcore/pkg/dispatch"
	"github.com/dreadstar/meshcore/pkg/discovery"
	"github.com/dreadstar/meshcore/pkg/dropfolder"
	"github.com/dreadstar/meshcore/pkg/governor"
	"github.com/dreadstar/meshcore/pkg/meshnet"
	"github.com/dreadstar/meshcore/pkg/pkcrypto"
	"github.com/dreadstar/meshcore/pkg/replication"
	"github.com/dreadstar/meshcore/pkg/role"
	"github.com/dreadstar/meshcore/pkg/scheduler"
	"github.com/dreadstar/meshcore/pkg/token"
	"github.com/dreadstar/meshcore/pkg/transport"
	"github.com/dreadstar/meshcore/pkg/trust"
	"github.com/dreadstar/meshcore/pkg/verifier"
	"github.com/dreadstar/meshcore/pkg/wire"
	"github.com/dreadstar/meshcore/private/kvstore/boltdb"
)

// Core is the process-wide state of spec.md §6: every component
// constructed once from Config and a Transport Adapter handle, with
// one idempotent Run and one clean Shutdown path. No package outside
// pkg/core holds a package-level singleton; everything is reached
// through a Core value passed down to whatever needs it.
type Core struct {
	log       *zap.Logger
	cfg       Config
	transport transport.Adapter
	signer    *signer

	kv         *boltdb.Client
	trustStore *trust.Store
	verifier   *verifier.Verifier
	store      *dropfolder.Store
	governor   *governor.Governor
	peers      *peerTable

	discoveryEngine     *discovery.Engine
	replicationEngine   *replication.Engine
	dispatchCoordinator *dispatch.Coordinator
	roleManager         *role.Manager
	scheduler           *scheduler.Scheduler
	obligations         *obligationRegistry
	executor            dispatch.Executor

	uploader *replicationUploader
	uploads  *incomingUploads

	tasksMu      sync.Mutex
	pendingTasks map[string]dispatch.Task

	mu      sync.Mutex
	started bool
}

// New constructs every component from cfg and wires them together. It
// does not start anything -- call Run to begin the supervisor tree.
func New(ctx context.Context, log *zap.Logger, cfg Config, adapter transport.Adapter, priv pkcrypto.PrivateKey) (*Core, error) {
	pub := pkcrypto.PublicKeyFromPrivate(priv)
	sig, err := newSigner(pub, priv)
	if err != nil {
		return nil, err
	}

	if err := ensureParentDir(cfg.Trust.DBPath); err != nil {
		return nil, err
	}
	kv, err := boltdb.New(cfg.Trust.DBPath, "trust")
	if err != nil {
		return nil, err
	}

	trustStore, err := trust.NewStore(ctx, log.Named("trust"), kv)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}

	gov := governor.New(log.Named("governor"), governor.Limits{
		StorageBytesMax:        cfg.Storage.QuotaBytes,
		TokenCacheEntriesMax:   cfg.Resources.TokenCacheEntriesMax,
		InflightUploadsMax:     cfg.Resources.InflightUploadsMax,
		BroadcastRatePerMinMax: cfg.Resources.BroadcastRatePerMinMax,
		PeerRecordsMax:         cfg.Resources.PeerRecordsMax,
	})

	v, err := verifier.New(log.Named("verifier"), trustStore, cfg.Verifier.ReplayCacheSize,
		verifier.WithClockSkew(millis(cfg.Verifier.ClockSkewMs)),
		verifier.WithCacheAdmitter(gov))
	if err != nil {
		_ = kv.Close()
		return nil, err
	}

	store, err := dropfolder.NewStore(log.Named("dropfolder"), cfg.Storage.RootPath)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}

	peers := newPeerTable(gov)

	discoveryEngine, err := discovery.New(log.Named("discovery"), discoveryBroadcaster{transport: adapter, governor: gov}, envelopeVerifier{})
	if err != nil {
		_ = kv.Close()
		return nil, err
	}

	uploader := newReplicationUploader(log.Named("replication.transport"), adapter, store, sig, gov)

	replicationEngine := replication.New(log.Named("replication"), store, trustStore, peers, uploader, replication.Options{
		ConcurrencyPerJob: cfg.Replication.MaxInflightPerJob,
		MaxAttempts:       cfg.Replication.MaxAttempts,
		BackoffBase:       millis(cfg.Replication.BackoffBaseMs),
		BackoffCap:        millis(cfg.Replication.BackoffCapMs),
	})

	dispatchCoordinator := dispatch.NewCoordinator(log.Named("dispatch"), dispatchTransportAdapter{transport: adapter, governor: gov}, sig)

	obligations := newObligationRegistry()

	roleManager := role.New(log.Named("role"), role.Budgets{
		ComputeBatteryMinPercent: cfg.Power.BatteryMinForCompute,
		DebounceInterval:         millis(cfg.Role.DebounceMs),
		DemotionGracePeriod:      millis(cfg.Role.DemotionGraceMs),
	}, func(removed []meshnet.Role) {
		log.Info("role demoted", zap.Any("removed", removed))
		for _, r := range removed {
			obligations.cancelRole(r)
		}
	})

	sched := scheduler.New(log.Named("scheduler"), scheduler.Options{
		IOWorkers:    cfg.Scheduler.IOWorkers,
		GraceTimeout: millis(cfg.Scheduler.GraceTimeoutMs),
	})

	c := &Core{
		log:                 log,
		cfg:                 cfg,
		transport:           adapter,
		signer:              sig,
		kv:                  kv,
		trustStore:          trustStore,
		verifier:            v,
		store:               store,
		governor:            gov,
		peers:               peers,
		discoveryEngine:     discoveryEngine,
		replicationEngine:   replicationEngine,
		dispatchCoordinator: dispatchCoordinator,
		roleManager:         roleManager,
		scheduler:           sched,
		obligations:         obligations,
		executor:            nullExecutor{},
		uploader:            uploader,
		uploads:             newIncomingUploads(),
		pendingTasks:        make(map[string]dispatch.Task),
	}

	c.superviseComponents()
	return c, nil
}

// recordPendingTask remembers a task this node has offered on, so a
// later matching Assignment can be resolved back to its details.
func (c *Core) recordPendingTask(task dispatch.Task) {
	c.tasksMu.Lock()
	defer c.tasksMu.Unlock()
	c.pendingTasks[task.TaskID] = task
}

// takePendingTask retrieves and forgets a previously recorded task.
func (c *Core) takePendingTask(taskID string) (dispatch.Task, bool) {
	c.tasksMu.Lock()
	defer c.tasksMu.Unlock()
	task, ok := c.pendingTasks[taskID]
	if ok {
		delete(c.pendingTasks, taskID)
	}
	return task, ok
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0700)
}

// superviseComponents registers every long-running loop with the
// scheduler's supervisor tree, per spec.md §4.13's single-supervisor-
// tree execution model.
func (c *Core) superviseComponents() {
	c.scheduler.Supervise("transport-pump", c.runTransportPump, nil)
	c.scheduler.Supervise("peer-updown", c.runPeerUpDown, nil)
	c.scheduler.Supervise("replication-sweep", c.runReplicationSweep, nil)
	c.scheduler.Supervise("role-manager", nil, func() error {
		c.roleManager.Close()
		return nil
	})
}

func (c *Core) runTransportPump(ctx context.Context) error {
	events := c.transport.Incoming()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			envelope, err := decodeEnvelope(event.Bytes)
			if err != nil {
				c.log.Warn("dropping malformed inbound envelope", zap.Error(err))
				continue
			}
			c.handleEnvelope(ctx, event.SourcePeerID, envelope)
		}
	}
}

func (c *Core) runPeerUpDown(ctx context.Context) error {
	up := c.transport.PeerUp()
	down := c.transport.PeerDown()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id, ok := <-up:
			if !ok {
				up = nil
				continue
			}
			c.peers.MarkSeen(id, time.Now())
		case id, ok := <-down:
			if !ok {
				down = nil
				continue
			}
			c.peers.Remove(id)
		}
	}
}

func (c *Core) runReplicationSweep(ctx context.Context) error {
	interval := cfgDurationOrDefault(c.cfg.Replication.SweepIntervalMs, 30*time.Second)
	cycle := sync2.NewCycle(interval)
	return cycle.Run(ctx, func(ctx context.Context) error {
		blobIDs, err := c.store.ListReplicationJobs()
		if err != nil {
			c.log.Error("failed to list replication jobs", zap.Error(err))
			return nil
		}
		for _, blobID := range blobIDs {
			if err := c.replicationEngine.Drive(ctx, blobID, "", nil); err != nil {
				c.log.Warn("replication sweep failed for blob", zap.String("blobId", blobID), zap.Error(err))
			}
		}
		return nil
	})
}

func cfgDurationOrDefault(ms int64, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return millis(ms)
}

// Run starts every supervised component and blocks until the
// supervisor tree exits (spec.md §4.13).
func (c *Core) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	return c.scheduler.Run(ctx)
}

// Shutdown cancels the supervisor tree via cancel and performs one
// clean shutdown pass: drain, close components in reverse order,
// close the trust store's backing database.
func (c *Core) Shutdown(cancel context.CancelFunc) error {
	err := c.scheduler.Shutdown(cancel)
	c.obligations.cancelAll()
	if closeErr := c.kv.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if closeErr := c.transport.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// Discovery, Replication, Dispatch, and Trust expose the constructed
// component handles to cmd/meshcored for operations that don't belong
// inside the supervisor tree itself (e.g. handling a local CLI
// subcommand that issues one discovery query and exits).
func (c *Core) Discovery() *discovery.Engine     { return c.discoveryEngine }
func (c *Core) Replication() *replication.Engine { return c.replicationEngine }
func (c *Core) Dispatch() *dispatch.Coordinator   { return c.dispatchCoordinator }
func (c *Core) Trust() *trust.Store               { return c.trustStore }
func (c *Core) Verifier() *verifier.Verifier      { return c.verifier }
func (c *Core) DropFolder() *dropfolder.Store     { return c.store }
func (c *Core) Roles() *role.Manager              { return c.roleManager }
func (c *Core) Governor() *governor.Governor      { return c.governor }

// scoredOfferFromWire attaches the ranking signals spec.md §4.9's
// selection ordering needs (hop distance, trust score) to a received
// wire.Offer, using the envelope's verified signer as the offerer's
// identity rather than anything self-reported in the Offer body.
func scoredOfferFromWire(offer wire.Offer, signerPubKey string, peer meshnet.NodeID, hop int, trustScore float64) dispatch.ScoredOffer {
	return dispatch.ScoredOffer{
		OffererPubKey: signerPubKey,
		NodeID:        peer,
		FitnessScore:  offer.FitnessScore,
		HopDistance:   hop,
		TrustScore:    trustScore,
	}
}
