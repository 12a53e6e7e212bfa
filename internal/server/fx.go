// Package server provides the application wiring: storage selection, the
// detached job worker, the HTTP API and orderly shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/exam-importer/internal/api"
	"github.com/JakeFAU/exam-importer/internal/backoff"
	"github.com/JakeFAU/exam-importer/internal/clock/system"
	"github.com/JakeFAU/exam-importer/internal/config"
	"github.com/JakeFAU/exam-importer/internal/cryptoutil"
	"github.com/JakeFAU/exam-importer/internal/dispatcher"
	"github.com/JakeFAU/exam-importer/internal/id/uuid"
	"github.com/JakeFAU/exam-importer/internal/importer"
	"github.com/JakeFAU/exam-importer/internal/importjob"
	"github.com/JakeFAU/exam-importer/internal/ingest"
	"github.com/JakeFAU/exam-importer/internal/policy/ratelimit"
	"github.com/JakeFAU/exam-importer/internal/progress"
	progresssinks "github.com/JakeFAU/exam-importer/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/exam-importer/internal/publisher/pubsub"
	"github.com/JakeFAU/exam-importer/internal/reputation"
	gcsstorage "github.com/JakeFAU/exam-importer/internal/storage/gcs"
	memorystorage "github.com/JakeFAU/exam-importer/internal/storage/memory"
	pgstore "github.com/JakeFAU/exam-importer/internal/storage/postgres"
	"github.com/JakeFAU/exam-importer/internal/storage/rediscache"
	"github.com/JakeFAU/exam-importer/internal/store"
	"github.com/JakeFAU/exam-importer/internal/stream"
	"github.com/JakeFAU/exam-importer/internal/telemetry"
)

// Infra holds the storage and messaging collaborators shared by the serve
// and run commands.
type Infra struct {
	cfg    *config.Config
	logger *zap.Logger
	clock  importer.Clock

	Jobs       store.JobRepository
	Questions  importer.QuestionStore
	History    importer.History
	Archive    importer.BlobStore
	Publisher  importer.Publisher
	Reputation importer.Reputation

	pool       *pgxpool.Pool
	redis      *goredis.Client
	gcs        *gcsstorage.BlobStore
	pubsub     *gcppublisher.Publisher
	awards     *reputation.PublisherSink
	tracerProv *sdktrace.TracerProvider
	pingers    []api.Pinger
}

// OpenInfra connects every configured backend. On error, whatever was opened
// is closed again.
func OpenInfra(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Infra, error) {
	in := &Infra{cfg: cfg, logger: logger, clock: system.New()}
	steps := []func(context.Context) error{
		in.setupTracing,
		in.setupDatabase,
		in.setupSubjectCache,
		in.setupArchive,
		in.setupPublisher,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			in.Close(context.WithoutCancel(ctx))
			return nil, err
		}
	}
	return in, nil
}

func (in *Infra) setupTracing(ctx context.Context) error {
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: in.cfg.Telemetry.ServiceName,
		SampleRatio: in.cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	in.tracerProv = tp
	return nil
}

func (in *Infra) setupDatabase(ctx context.Context) error {
	dbCfg := in.cfg.Database
	if dbCfg.Driver != config.DriverPostgres {
		in.logger.Warn("using in-memory stores; data is lost on restart")
		in.Jobs = memorystorage.NewJobStore()
		in.Questions = memorystorage.NewQuestionStore()
		in.History = memorystorage.NewHistory()
		return nil
	}
	pool, err := pgstore.NewPool(ctx, pgstore.PoolConfig{
		DSN:             dbCfg.DSN,
		MaxConns:        dbCfg.MaxConns,
		MinConns:        dbCfg.MinConns,
		MaxConnLifetime: dbCfg.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	in.pool = pool
	if dbCfg.AutoMigrate {
		if err := pgstore.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("postgres migrate failed: %w", err)
		}
		in.logger.Info("postgres schema applied")
	}
	jobs, err := pgstore.NewJobStore(pool, dbCfg.JobsTable)
	if err != nil {
		return fmt.Errorf("job store init failed: %w", err)
	}
	questions, err := pgstore.NewQuestionStore(pool)
	if err != nil {
		return fmt.Errorf("question store init failed: %w", err)
	}
	history, err := pgstore.NewHistoryStore(pool)
	if err != nil {
		return fmt.Errorf("history store init failed: %w", err)
	}
	in.Jobs, in.Questions, in.History = jobs, questions, history
	in.pingers = append(in.pingers, jobs)
	in.logger.Info("postgres stores initialized", zap.String("jobs_table", dbCfg.JobsTable))
	return nil
}

func (in *Infra) setupSubjectCache(context.Context) error {
	rc := in.cfg.Redis
	if !rc.Enabled {
		return nil
	}
	in.redis = rediscache.NewClient(rediscache.ClientConfig{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	cache, err := rediscache.NewSubjectCache(in.Questions, in.redis, rediscache.Config{
		Prefix:  rc.Prefix,
		TTL:     rc.TTL,
		LockTTL: rc.LockTTL,
	}, in.logger)
	if err != nil {
		return fmt.Errorf("subject cache init failed: %w", err)
	}
	in.Questions = cache
	in.pingers = append(in.pingers, pingFunc(cache.Health))
	in.logger.Info("redis subject cache enabled", zap.String("addr", rc.Addr))
	return nil
}

func (in *Infra) setupArchive(ctx context.Context) error {
	sc := in.cfg.Storage
	if !sc.ArchiveEnabled {
		return nil
	}
	if sc.Backend != config.BackendGCS {
		in.logger.Info("using in-memory payload archive")
		in.Archive = memorystorage.NewBlobStore()
		return nil
	}
	bs, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: sc.GCSBucket, Endpoint: sc.GCSEndpoint}, in.logger)
	if err != nil {
		return fmt.Errorf("gcs archive init failed: %w", err)
	}
	in.gcs = bs
	in.Archive = bs
	in.logger.Info("using GCS payload archive", zap.String("bucket", sc.GCSBucket))
	return nil
}

func (in *Infra) setupPublisher(ctx context.Context) error {
	pc := in.cfg.PubSub
	if !pc.Enabled {
		in.logger.Info("Pub/Sub disabled; reputation awards are logged only")
		in.Reputation = reputation.NewLogSink(in.logger)
		return nil
	}
	pub, err := gcppublisher.Open(ctx, pc.ProjectID, in.logger)
	if err != nil {
		return fmt.Errorf("pubsub init failed: %w", err)
	}
	in.pubsub = pub
	in.Publisher = pub
	in.awards = reputation.NewPublisherSink(pub, pc.ReputationTopic, in.clock, in.logger)
	in.Reputation = in.awards
	in.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", pc.ProjectID),
		zap.String("jobs_topic", pc.JobsTopic),
		zap.String("reputation_topic", pc.ReputationTopic),
	)
	return nil
}

// Persister builds the per-item persister with throttling retries.
func (in *Infra) Persister() *ingest.Persister {
	opts := []ingest.PersisterOption{
		ingest.WithClock(in.clock),
		ingest.WithRetry(backoff.New(backoff.Config{
			Name:        "persist",
			MaxAttempts: in.cfg.Backoff.MaxAttempts,
			Step:        in.cfg.Backoff.Step,
		}, in.logger)),
	}
	if in.Archive != nil {
		opts = append(opts, ingest.WithArchive(in.Archive))
	}
	ic := in.cfg.Ingest
	return ingest.NewPersister(in.Questions, in.Reputation, ingest.PersisterConfig{
		TitleMaxLength: ic.TitleMaxLength,
		SubjectColor:   ic.SubjectColor,
		SubjectIcon:    ic.SubjectIcon,
		RewardPoints:   ic.RewardPoints,
		RewardReason:   ic.RewardReason,
		ArchivePrefix:  in.cfg.Storage.Prefix,
	}, in.logger.Named("persister"), opts...)
}

// StreamClient builds the producer stream client.
func (in *Infra) StreamClient() (*stream.Client, error) {
	client, err := stream.New(stream.Config{
		Endpoint:     in.cfg.Stream.Endpoint,
		APIKey:       in.cfg.Stream.APIKey,
		StallTimeout: in.cfg.Stream.StallTimeout,
	}, in.logger.Named("stream"))
	if err != nil {
		return nil, fmt.Errorf("stream client init failed: %w", err)
	}
	return client, nil
}

// Close releases every backend. Errors are logged.
func (in *Infra) Close(ctx context.Context) {
	if in.awards != nil {
		in.awards.Close()
	}
	if in.pubsub != nil {
		if err := in.pubsub.Close(); err != nil {
			in.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if in.gcs != nil {
		if err := in.gcs.Close(); err != nil {
			in.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if in.redis != nil {
		if err := in.redis.Close(); err != nil {
			in.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if in.pool != nil {
		in.pool.Close()
	}
	if in.tracerProv != nil {
		if err := in.tracerProv.Shutdown(ctx); err != nil {
			in.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Option adjusts Build.
type Option func(*buildOptions)

type buildOptions struct {
	registerer prometheus.Registerer
}

// WithRegisterer registers the progress collectors on reg instead of the
// default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *buildOptions) { o.registerer = reg }
}

// App contains the serve command's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	infra     *Infra
	hub       *progress.Hub
	worker    *importjob.Worker
	dispatch  *dispatcher.Dispatcher
	apiServer *api.Server
}

// Build creates the application's dependencies. ctx bounds startup and is
// the base context of the progress hub.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	bo := buildOptions{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&bo)
	}
	enc, err := newEncryptor(cfg.Crypto, logger)
	if err != nil {
		return nil, err
	}
	in, err := OpenInfra(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	app := &App{cfg: cfg, logger: logger, infra: in}
	if err := app.wire(ctx, enc, bo.registerer); err != nil {
		app.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return app, nil
}

func (a *App) wire(ctx context.Context, enc cryptoutil.Encryptor, reg prometheus.Registerer) error {
	streamClient, err := a.infra.StreamClient()
	if err != nil {
		return err
	}
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	pc := a.cfg.Progress
	a.hub = progress.NewHub(progress.Config{
		BufferSize:     pc.BufferSize,
		MaxBatchEvents: pc.MaxBatchEvents,
		MaxBatchWait:   pc.MaxBatchWait,
		SinkTimeout:    pc.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	},
		progresssinks.NewStoreSink(a.infra.Jobs, a.logger.Named("progress_store")),
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
	)

	bc := a.cfg.Backoff
	a.worker, err = importjob.NewWorker(importjob.WorkerDeps{
		Repo:      a.infra.Jobs,
		Decryptor: enc,
		Connector: streamClient,
		Persister: a.infra.Persister(),
		History:   a.infra.History,
		Hub:       a.hub,
		Publisher: a.infra.Publisher,
		Clock:     a.infra.clock,
		Logger:    a.logger,
	}, importjob.WorkerConfig{
		OpenRetry: backoff.Config{
			Name:        "stream_open",
			MaxAttempts: bc.MaxAttempts,
			Step:        bc.Step,
			Stagger:     bc.Stagger,
		},
		FinishedTopic:   a.cfg.PubSub.JobsTopic,
		FinalizeTimeout: a.cfg.Jobs.FinalizeTimeout,
	})
	if err != nil {
		return fmt.Errorf("worker init failed: %w", err)
	}
	a.dispatch = dispatcher.New(a.worker, a.cfg.Jobs.IdleInterval, a.logger)

	rl := a.cfg.RateLimit
	svc, err := importjob.NewService(importjob.ServiceDeps{
		Repo:      a.infra.Jobs,
		Encryptor: enc,
		IDs:       uuid.New(),
		Clock:     a.infra.clock,
		Limiter:   ratelimit.New(ratelimit.Config{RPS: rl.RPS, Burst: rl.Burst, IdleTTL: rl.IdleTTL}),
		Notifier:  a.dispatch,
		Logger:    a.logger,
	})
	if err != nil {
		return fmt.Errorf("job service init failed: %w", err)
	}
	a.apiServer = api.NewServer(svc, api.Config{
		AuthEnabled:    a.cfg.Auth.Enabled,
		APIKey:         a.cfg.Auth.APIKey,
		RequestTimeout: a.cfg.Server.RequestTimeout,
	}, a.logger, a.infra.pingers...)
	return nil
}

func newEncryptor(cc config.CryptoConfig, logger *zap.Logger) (cryptoutil.Encryptor, error) {
	if cc.Key != "" {
		key, err := cryptoutil.ParseKey(cc.Key)
		if err != nil {
			return nil, fmt.Errorf("crypto.key: %w", err)
		}
		enc, err := cryptoutil.NewAESGCM(key)
		if err != nil {
			return nil, fmt.Errorf("crypto.key: %w", err)
		}
		return enc, nil
	}
	if cc.InsecureNoop {
		logger.Warn("credentials are stored without encryption (crypto.insecure_noop)")
		return cryptoutil.NoopEncryptor{}, nil
	}
	return nil, errors.New("crypto.key is required unless crypto.insecure_noop is set")
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run recovers interrupted jobs, then serves HTTP and processes jobs until ctx
// is canceled or SIGINT/SIGTERM arrives. A job in flight at shutdown is
// failed as interrupted.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.worker.Recover(ctx); err != nil {
		a.Close(context.WithoutCancel(ctx))
		return err
	}

	srv := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("dispatcher started")
		a.dispatch.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})
	err := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	a.Close(closeCtx)
	return err
}

// Close flushes progress and releases every backend.
func (a *App) Close(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	a.infra.Close(ctx)
	a.logger.Info("shutdown complete")
}
