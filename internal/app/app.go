// Package app builds the access-code engine from configuration. Each App is
// an independent instance; nothing is shared through package globals apart
// from the logger and metric registry.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"accessgate.org/internal/audit"
	"accessgate.org/internal/codes"
	"accessgate.org/internal/config"
	"accessgate.org/internal/grant"
	"accessgate.org/internal/obs"
	"accessgate.org/internal/ratelimit"
	"accessgate.org/internal/risk"
	"accessgate.org/internal/sched"
	"accessgate.org/internal/secret"
	"accessgate.org/internal/store/pg"
	"accessgate.org/internal/threat"
)

// Key purposes derived from the master key.
const (
	purposeLookup   = "code-lookup"
	purposeMetadata = "code-metadata"
	purposeGrant    = "grant-signing"
)

// Scheduled task names.
const (
	TaskSweep          = "code-sweep"
	TaskMaintenance    = "limiter-maintenance"
	TaskAuditFlush     = "audit-flush"
	TaskAuditRetention = "audit-retention"
)

type App struct {
	Config    config.Config
	Codes     *codes.Service
	Limiter   *ratelimit.Limiter
	Audit     *audit.Logger
	Risk      *risk.Assessor
	Grants    *grant.Issuer
	Scheduler *sched.Scheduler

	db  *sql.DB
	log *zap.Logger
}

// Status is a point-in-time summary for the ops listener.
type Status struct {
	Store         string   `json:"store"`
	Tasks         []string `json:"tasks"`
	ActiveThreats int      `json:"active_threats"`
	TrackedKeys   int      `json:"tracked_keys"`
	PendingAudit  int      `json:"pending_audit"`
	Grants        bool     `json:"grants"`
}

// Option adjusts construction, used by tests and the CLI.
type Option func(*options)

type options struct {
	now    func() time.Time
	log    *zap.Logger
	hasher secret.Hasher
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithHasher replaces the configured password hasher.
func WithHasher(h secret.Hasher) Option {
	return func(o *options) { o.hasher = h }
}

// New wires every component. For the postgres driver it opens the pool,
// checks connectivity and re-applies persisted bans.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{log: obs.Logger()}
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{Config: cfg, log: o.log.Named("app")}

	master, err := masterKey(cfg, a.log)
	if err != nil {
		return nil, err
	}
	kr, err := secret.NewKeyring(master)
	if err != nil {
		return nil, err
	}
	signer, err := kr.Signer(purposeLookup)
	if err != nil {
		return nil, err
	}

	var (
		store   codes.Store
		threats ratelimit.ThreatStore
	)
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		sealer, err := kr.Sealer(purposeMetadata)
		if err != nil {
			return nil, err
		}
		db, err := pg.Open(cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("app: open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("app: ping postgres: %w", err)
		}
		cs, err := pg.NewCodeStore(db, sealer)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		a.db = db
		store, threats = cs, pg.NewThreatStore(db)
	default:
		store = codes.NewMemoryStore(cfg.Store.Shards)
	}

	if err := a.build(ctx, cfg, kr, signer, store, threats, o); err != nil {
		a.closeDB()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg config.Config, kr *secret.Keyring, signer secret.Signer,
	store codes.Store, threats ratelimit.ThreatStore, o options) error {
	auditOpts := []audit.Option{audit.WithLogger(o.log.Named("audit"))}
	if o.now != nil {
		auditOpts = append(auditOpts, audit.WithClock(o.now))
	}
	auditLog, err := audit.New(cfg.Audit, auditOpts...)
	if err != nil {
		return err
	}
	a.Audit = auditLog

	detector := threat.NewDetector()
	limOpts := []ratelimit.Option{
		ratelimit.WithLogger(o.log.Named("ratelimit")),
		ratelimit.WithScanner(detector),
		ratelimit.WithAlerter(auditLog),
	}
	if threats != nil {
		limOpts = append(limOpts, ratelimit.WithThreatStore(threats))
	}
	if o.now != nil {
		limOpts = append(limOpts, ratelimit.WithClock(o.now))
	}
	limiter, err := ratelimit.New(cfg.RateLimit, limOpts...)
	if err != nil {
		return err
	}
	a.Limiter = limiter
	if threats != nil {
		n, err := limiter.LoadThreats(ctx)
		if err != nil {
			return fmt.Errorf("app: load threats: %w", err)
		}
		a.log.Info("threat bans restored", zap.Int("count", n))
	}

	assessor, err := risk.New(cfg.Risk)
	if err != nil {
		return err
	}
	a.Risk = assessor

	svcOpts := []codes.Option{
		codes.WithLogger(o.log.Named("codes")),
		codes.WithSigner(signer),
		codes.WithAssessor(assessor),
		codes.WithDetector(detector),
	}
	if o.now != nil {
		svcOpts = append(svcOpts, codes.WithClock(o.now))
	}
	if o.hasher != nil {
		svcOpts = append(svcOpts, codes.WithHasher(o.hasher))
	}
	if cfg.Grant.Enabled {
		key, err := kr.Derive(purposeGrant, 32)
		if err != nil {
			return err
		}
		grantOpts := []grant.Option{grant.WithIssuer(cfg.Grant.Issuer)}
		if o.now != nil {
			grantOpts = append(grantOpts, grant.WithClock(o.now))
		}
		issuer, err := grant.NewIssuer(key, cfg.Grant.TTL, grantOpts...)
		if err != nil {
			return err
		}
		a.Grants = issuer
		svcOpts = append(svcOpts, codes.WithGranter(issuer))
	}
	svc, err := codes.New(cfg.Codes, store, limiter, auditLog, svcOpts...)
	if err != nil {
		return err
	}
	a.Codes = svc

	a.Scheduler = sched.New(sched.WithLogger(o.log.Named("sched")), sched.WithTimeout(cfg.Schedule.TaskTimeout))
	return a.addTasks(cfg.Schedule)
}

func (a *App) addTasks(s config.ScheduleConfig) error {
	tasks := []struct {
		name     string
		interval time.Duration
		fn       sched.Func
	}{
		{TaskSweep, s.Sweep, func(ctx context.Context) error {
			rep, err := a.Codes.Sweep(ctx)
			if err == nil && rep.Suspended+rep.Tightened+rep.Purged > 0 {
				a.log.Info("sweep adjusted codes",
					zap.Int("suspended", rep.Suspended),
					zap.Int("tightened", rep.Tightened),
					zap.Int("purged", rep.Purged))
			}
			return err
		}},
		{TaskMaintenance, s.Maintenance, func(ctx context.Context) error {
			_, err := a.Limiter.Maintenance(ctx)
			return err
		}},
		{TaskAuditFlush, s.AuditFlush, a.Audit.Flush},
		{TaskAuditRetention, s.AuditRetention, func(ctx context.Context) error {
			_, err := a.Audit.Cleanup(ctx)
			return err
		}},
	}
	for _, t := range tasks {
		if err := a.Scheduler.Add(t.name, t.interval, t.fn); err != nil {
			return err
		}
	}
	return nil
}

func masterKey(cfg config.Config, log *zap.Logger) ([]byte, error) {
	if cfg.Secret.MasterKey != "" {
		return secret.ParseMasterKey(cfg.Secret.MasterKey)
	}
	log.Warn("no master key configured, using an ephemeral key; codes will not survive a restart")
	return secret.RandomMasterKey()
}

// Start launches the background tasks.
func (a *App) Start(ctx context.Context) {
	a.Scheduler.Start(ctx)
	a.log.Info("accessgate started", zap.Strings("tasks", a.Scheduler.Tasks()), zap.String("store", a.Config.Store.Driver))
}

// Ready reports whether the backing store is reachable.
func (a *App) Ready(ctx context.Context) error {
	if a.db == nil {
		return nil
	}
	return a.db.PingContext(ctx)
}

// DB returns the postgres pool, nil for the memory driver.
func (a *App) DB() *sql.DB { return a.db }

func (a *App) Status() Status {
	return Status{
		Store:         a.Config.Store.Driver,
		Tasks:         a.Scheduler.Tasks(),
		ActiveThreats: len(a.Limiter.ActiveThreats()),
		TrackedKeys:   a.Limiter.TrackedKeys(),
		PendingAudit:  a.Audit.Pending(),
		Grants:        a.Grants != nil,
	}
}

// Close stops the scheduler, flushes the audit log and releases the pool.
func (a *App) Close(ctx context.Context) error {
	a.Scheduler.Stop()
	err := a.Audit.Flush(ctx)
	if err != nil {
		a.log.Error("final audit flush failed", zap.Error(err))
	}
	return errors.Join(err, a.closeDB())
}

func (a *App) closeDB() error {
	if a.db == nil {
		return nil
	}
	db := a.db
	a.db = nil
	return db.Close()
}
