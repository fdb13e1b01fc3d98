package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ezpaarse-project/ezmesure-harvester/internal/integrations/kafka"
	"github.com/ezpaarse-project/ezmesure-harvester/internal/integrations/mongo"
	"github.com/ezpaarse-project/ezmesure-harvester/internal/integrations/postgres"
	"github.com/ezpaarse-project/ezmesure-harvester/internal/local"
	"github.com/ezpaarse-project/ezmesure-harvester/internal/parquet"
	"github.com/ezpaarse-project/ezmesure-harvester/internal/s3"
	"github.com/ezpaarse-project/ezmesure-harvester/pkg/counter"
	"github.com/ezpaarse-project/ezmesure-harvester/pkg/harvest"
	"github.com/ezpaarse-project/ezmesure-harvester/pkg/limiter"
	"github.com/ezpaarse-project/ezmesure-harvester/pkg/normalizer"
	"github.com/ezpaarse-project/ezmesure-harvester/pkg/sushi"
)

// NewLogger builds the root logger from global.logger.
func NewLogger(c Logger) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	if c.Development {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

// Harvester holds the orchestrator and the integrations it was built with.
type Harvester struct {
	Orchestrator *harvest.Orchestrator

	stats   map[string]func() any
	closers []func(context.Context) error
}

// IntegrationStats reports the counters of every connected integration.
func (h *Harvester) IntegrationStats() map[string]any {
	out := make(map[string]any, len(h.stats))
	for name, fn := range h.stats {
		out[name] = fn()
	}
	return out
}

// Close releases the integrations in reverse order of creation.
func (h *Harvester) Close(ctx context.Context) error {
	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	h.closers = nil
	return errors.Join(errs...)
}

func (h *Harvester) onClose(fn func(context.Context) error) {
	h.closers = append(h.closers, fn)
}

// Initialize connects every configured integration and builds the
// orchestrator. The orchestrator is not started.
func Initialize(ctx context.Context, c *Config, logger *zap.Logger) (*Harvester, error) {
	h := &Harvester{stats: make(map[string]func() any)}
	ok := false
	defer func() {
		if !ok {
			_ = h.Close(context.Background())
		}
	}()

	loc, err := c.Location()
	if err != nil {
		return nil, err
	}

	registryOpts := []counter.Option{counter.WithLogger(logger)}
	if len(c.Harvest.Versions) > 0 {
		registryOpts = append(registryOpts, counter.WithVersions(c.Harvest.Versions...))
	}
	registry, err := counter.NewRegistry(registryOpts...)
	if err != nil {
		return nil, fmt.Errorf("counter registry: %w", err)
	}

	client := sushi.NewClient(
		sushi.WithLogger(logger),
		sushi.WithTimeout(c.Harvest.RequestTimeout),
		sushi.WithMonthsPerRequest(c.Harvest.MonthsPerRequest),
		sushi.WithRequestsPerSecond(c.Harvest.RequestsPerSecond),
		sushi.WithUserAgent(c.Harvest.UserAgent),
	)

	lim := limiter.New(c.Harvest.Limits, limiter.WithLogger(logger))

	opts := []harvest.Option{
		harvest.WithLogger(logger),
		harvest.WithRegistry(registry),
		harvest.WithFetcher(client),
		harvest.WithLimiter(lim),
		harvest.WithSchedules(c.Schedules...),
		harvest.WithWorkers(c.Harvest.Workers),
		harvest.WithJobTimeout(c.Harvest.JobTimeout),
		harvest.WithMaxRetries(c.Harvest.MaxRetries),
		harvest.WithBackoff(c.Harvest.Backoff),
		harvest.WithLocation(loc),
		harvest.WithMinTickInterval(c.Harvest.MinTickInterval),
	}

	storeOpts, err := h.initPostgres(ctx, c, logger)
	if err != nil {
		return nil, err
	}
	opts = append(opts, storeOpts...)

	writer, err := h.initReports(ctx, c, logger)
	if err != nil {
		return nil, err
	}
	opts = append(opts, harvest.WithWriter(writer))

	publisher, err := h.initEvents(ctx, c, logger)
	if err != nil {
		return nil, err
	}
	opts = append(opts, harvest.WithPublisher(publisher))

	archiveOpts, err := initArchive(c, logger)
	if err != nil {
		return nil, err
	}
	opts = append(opts, archiveOpts...)

	orch, err := harvest.NewOrchestrator(opts...)
	if err != nil {
		return nil, err
	}
	h.Orchestrator = orch
	ok = true
	return h, nil
}

func (h *Harvester) initPostgres(ctx context.Context, c *Config, logger *zap.Logger) ([]harvest.Option, error) {
	var opts []harvest.Option
	if c.Store.Type != StorePostgres && c.Credentials.Type != CredentialsPostgres {
		return []harvest.Option{
			harvest.WithStore(harvest.NewMemoryStore()),
			harvest.WithCredentialSource(harvest.StaticCredentials(c.Credentials.Static)),
		}, nil
	}

	pool, err := postgres.Connect(ctx, c.Store.Postgres.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	h.onClose(func(context.Context) error {
		pool.Close()
		return nil
	})

	store := postgres.NewStore(pool,
		postgres.WithTimeout(c.Store.Postgres.Timeout),
		postgres.WithLogger(logger),
	)
	if c.Store.Postgres.Migrate {
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
	}

	if c.Store.Type == StorePostgres {
		opts = append(opts, harvest.WithStore(store))
	} else {
		opts = append(opts, harvest.WithStore(harvest.NewMemoryStore()))
	}

	if c.Credentials.Type == CredentialsPostgres {
		creds := postgres.NewCredentials(pool)
		// static credentials seed the table
		for _, cred := range c.Credentials.Static {
			if err := creds.Put(ctx, cred); err != nil {
				return nil, fmt.Errorf("seed credential %s: %w", cred.ID, err)
			}
		}
		opts = append(opts, harvest.WithCredentialSource(creds))
	} else {
		opts = append(opts, harvest.WithCredentialSource(harvest.StaticCredentials(c.Credentials.Static)))
	}
	return opts, nil
}

func (h *Harvester) initReports(ctx context.Context, c *Config, logger *zap.Logger) (normalizer.Writer, error) {
	if c.Reports.Type != ReportsMongo {
		return normalizer.NewMemoryWriter(), nil
	}

	uri, err := url.Parse(c.Reports.Mongo.URI)
	if err != nil {
		return nil, fmt.Errorf("invalid reports.mongo.uri: %w", err)
	}
	w, err := mongo.NewWriter(uri, logger)
	if err != nil {
		return nil, err
	}
	if err := w.Connect(ctx); err != nil {
		return nil, fmt.Errorf("mongo: %w", err)
	}
	h.onClose(w.Close)
	h.stats["mongo"] = func() any { return w.Stats() }
	return w, nil
}

func (h *Harvester) initEvents(ctx context.Context, c *Config, logger *zap.Logger) (harvest.Publisher, error) {
	if c.Events.Type != EventsKafka {
		return harvest.NoopPublisher{}, nil
	}

	uri, err := url.Parse(c.Events.Kafka.URI)
	if err != nil {
		return nil, fmt.Errorf("invalid events.kafka.uri: %w", err)
	}
	p, err := kafka.NewPublisher(uri, logger)
	if err != nil {
		return nil, err
	}
	if err := p.Connect(ctx); err != nil {
		return nil, fmt.Errorf("kafka: %w", err)
	}
	h.onClose(func(context.Context) error { return p.Close() })
	h.stats["kafka"] = func() any { return p.Stats() }
	return p, nil
}

func initArchive(c *Config, logger *zap.Logger) ([]harvest.Option, error) {
	var archive harvest.Archive
	switch c.Archive.Type {
	case ArchiveLocal:
		archive = local.New(
			c.Archive.Local.Path,
			local.WithPrefix(c.Archive.Local.Prefix),
			local.WithLogger(logger.Named("archive")),
		)
	case ArchiveS3:
		repo, err := s3.New(
			s3.WithLogger(logger.Named("archive")),
			s3.WithRegion(c.Archive.S3.Region),
			s3.WithBucket(c.Archive.S3.Bucket),
			s3.WithEndpoint(c.Archive.S3.Endpoint),
			s3.WithPrefix(c.Archive.S3.Prefix),
			s3.WithForcePathStyle(c.Archive.S3.ForcePathStyle),
		)
		if err != nil {
			return nil, err
		}
		archive = repo
	default:
		return nil, nil
	}

	opts := []harvest.Option{harvest.WithArchive(archive)}
	if c.Archive.Parquet {
		opts = append(opts, harvest.WithExporter(parquet.New()))
	}
	return opts, nil
}
