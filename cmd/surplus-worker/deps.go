package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/you/surplus-alerts/internal/config"
	"github.com/you/surplus-alerts/internal/dedup"
	"github.com/you/surplus-alerts/internal/records"
	"github.com/you/surplus-alerts/internal/stream"
)

// markerPurgeInterval is how often expired Postgres dedup markers are deleted.
const markerPurgeInterval = time.Minute

// eventLog is what every transport provides.
type eventLog interface {
	stream.Transport
	stream.Publisher
}

// deps opens backend clients on first use and shares them between the
// transport, record store and dedup store.
type deps struct {
	cfg *config.Config
	log zerolog.Logger

	rdb     *redis.Client
	pool    *pgxpool.Pool
	mongo   *mongo.Client
	stream  eventLog
	pgDedup *dedup.PostgresStore
}

func newDeps(cfg *config.Config, log zerolog.Logger) *deps {
	return &deps{cfg: cfg, log: log}
}

func (d *deps) redis(ctx context.Context) (*redis.Client, error) {
	if d.rdb != nil {
		return d.rdb, nil
	}
	opts, err := redis.ParseURL(d.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.ContextTimeoutEnabled = true
	rdb := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, d.cfg.OpTimeout)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	d.log.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("connected to redis")
	d.rdb = rdb
	return rdb, nil
}

func (d *deps) postgres(ctx context.Context) (*pgxpool.Pool, error) {
	if d.pool != nil {
		return d.pool, nil
	}
	pool, err := records.NewPool(ctx, d.cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, d.cfg.OpTimeout)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	d.log.Info().Msg("connected to postgres")
	d.pool = pool
	return pool, nil
}

func (d *deps) mongoDB(ctx context.Context) (*mongo.Database, error) {
	if d.mongo == nil {
		cctx, cancel := context.WithTimeout(ctx, d.cfg.OpTimeout)
		defer cancel()
		client, err := mongo.Connect(cctx, options.Client().ApplyURI(d.cfg.MongoURL))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		if err := client.Ping(cctx, readpref.Primary()); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, fmt.Errorf("ping mongo: %w", err)
		}
		d.log.Info().Str("db", d.cfg.MongoDB).Msg("connected to mongo")
		d.mongo = client
	}
	return d.mongo.Database(d.cfg.MongoDB), nil
}

func (d *deps) transport(ctx context.Context) (eventLog, error) {
	if d.stream != nil {
		return d.stream, nil
	}
	switch d.cfg.StreamBackend {
	case config.BackendKafka:
		d.stream = stream.NewKafkaTransport(stream.KafkaConfig{
			Brokers:  d.cfg.KafkaBrokers,
			Topic:    d.cfg.Stream,
			Group:    d.cfg.Group,
			Consumer: d.cfg.Consumer,
		})
	default:
		rdb, err := d.redis(ctx)
		if err != nil {
			return nil, err
		}
		d.stream = stream.NewRedisTransport(rdb, stream.RedisConfig{
			Stream:        d.cfg.Stream,
			Group:         d.cfg.Group,
			Consumer:      d.cfg.Consumer,
			ClaimMinIdle:  d.cfg.ClaimMinIdle,
			ClaimInterval: d.cfg.ClaimInterval,
		})
	}
	return d.stream, nil
}

func (d *deps) records(ctx context.Context) (records.Store, error) {
	switch d.cfg.RecordsBackend {
	case config.BackendMemory:
		s, err := records.LoadSeedFile(d.cfg.RecordsSeedFile)
		if err != nil {
			return nil, err
		}
		d.log.Warn().Str("seed_file", d.cfg.RecordsSeedFile).Msg("using in-memory record store")
		return s, nil
	case config.BackendPostgres:
		pool, err := d.postgres(ctx)
		if err != nil {
			return nil, err
		}
		return records.NewPostgresStore(pool), nil
	default:
		db, err := d.mongoDB(ctx)
		if err != nil {
			return nil, err
		}
		return records.NewMongoStore(db), nil
	}
}

func (d *deps) dedup(ctx context.Context) (dedup.Store, error) {
	switch d.cfg.DedupBackend {
	case config.BackendMemory:
		d.log.Warn().Int("limit", d.cfg.DedupMemoryLimit).Msg("dedup markers kept in process memory; do not scale out")
		return dedup.NewMemoryStore(d.cfg.DedupMemoryLimit), nil
	case config.BackendPostgres:
		pool, err := d.postgres(ctx)
		if err != nil {
			return nil, err
		}
		s := dedup.NewPostgresStore(pool)
		sctx, cancel := context.WithTimeout(ctx, d.cfg.OpTimeout)
		defer cancel()
		if err := s.EnsureSchema(sctx); err != nil {
			return nil, err
		}
		d.pgDedup = s
		return s, nil
	default:
		rdb, err := d.redis(ctx)
		if err != nil {
			return nil, err
		}
		return dedup.NewRedisStore(rdb), nil
	}
}

// markerPurger returns a loop deleting expired Postgres markers, or nil when
// markers expire on their own.
func (d *deps) markerPurger() func(context.Context) error {
	if d.pgDedup == nil {
		return nil
	}
	return func(ctx context.Context) error {
		tick := time.NewTicker(markerPurgeInterval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-tick.C:
				pctx, cancel := context.WithTimeout(ctx, d.cfg.OpTimeout)
				n, err := d.pgDedup.Purge(pctx)
				cancel()
				if err != nil {
					d.log.Warn().Err(err).Msg("purge expired dedup markers")
					continue
				}
				if n > 0 {
					d.log.Debug().Int64("deleted", n).Msg("expired dedup markers purged")
				}
			}
		}
	}
}

func (d *deps) close() {
	if d.stream != nil {
		if err := d.stream.Close(); err != nil {
			d.log.Warn().Err(err).Msg("close stream transport")
		}
	}
	if d.mongo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.mongo.Disconnect(ctx); err != nil {
			d.log.Warn().Err(err).Msg("disconnect mongo")
		}
	}
	if d.pool != nil {
		d.pool.Close()
	}
	if d.rdb != nil {
		if err := d.rdb.Close(); err != nil {
			d.log.Warn().Err(err).Msg("close redis")
		}
	}
}
