package types

import (
	"context"

	"github.com/mcuadros/go-defaults"
)

func NewEngineOptions() *EngineOptions {
	opts := &EngineOptions{Ctx: context.Background()}
	defaults.SetDefaults(opts)
	return opts
}

type EngineOptions struct {
	Ctx context.Context
	/**
	 * default: 100000
	 * at most this many tasks execute at the same time, across all runs.
	 */
	MaxTaskConcurrency int `default:"100000"`
	/**
	 * default: 0, no limit.
	 * a run executing more waves than this fails with ErrMaxWavesExceeded.
	 * workflows with guarded self loops rely on their guards otherwise.
	 */
	MaxWaves int `default:"0"`
	/**
	 * default: false
	 * when true, two tasks of the same wave returning the same key fail the run.
	 * when false the collision is logged and the last merged value wins.
	 */
	StrictContextKeys bool `default:"false"`
	/**
	 * default: agentflow.events
	 * queue name used for lifecycle events when a Publisher is set.
	 */
	EventQueue string `default:"agentflow.events"`
	Publisher  Publisher

	/**
	 * default: false, only set it to true when doing testing or developing.
	 * exactly one of MemStore, PostgresConfig and RedisConfig selects the store.
	 */
	MemStore bool `default:"false"`

	PostgresConfig *PostgresConfig
	RedisConfig    *RedisConfig
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string // disable, require, verify-ca, verify-full
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

type EngineOption func(*EngineOptions)

func WithContext(ctx context.Context) EngineOption {
	return func(opts *EngineOptions) {
		opts.Ctx = ctx
	}
}

func SetMaxTaskConcurrency(concurrency int) EngineOption {
	return func(opts *EngineOptions) {
		opts.MaxTaskConcurrency = concurrency
	}
}

func SetMaxWaves(waves int) EngineOption {
	return func(opts *EngineOptions) {
		opts.MaxWaves = waves
	}
}

func EnableStrictContextKeys() EngineOption {
	return func(opts *EngineOptions) {
		opts.StrictContextKeys = true
	}
}

func WithPublisher(p Publisher) EngineOption {
	return func(opts *EngineOptions) {
		opts.Publisher = p
	}
}

func WithEventQueue(queue string) EngineOption {
	return func(opts *EngineOptions) {
		opts.EventQueue = queue
	}
}

func EnableMemStore() EngineOption {
	return func(opts *EngineOptions) {
		opts.MemStore = true
	}
}

// WithPostgresConfig configures the engine to persist into PostgreSQL
func WithPostgresConfig(config *PostgresConfig) EngineOption {
	return func(opts *EngineOptions) {
		opts.PostgresConfig = config
	}
}

// WithRedisConfig configures the engine to persist into Redis
func WithRedisConfig(config *RedisConfig) EngineOption {
	return func(opts *EngineOptions) {
		opts.RedisConfig = config
	}
}

// ExecuteOptions apply to a single run.
type ExecuteOptions struct {
	ExecutionID string
}

type ExecuteOption func(*ExecuteOptions)

func WithExecutionID(id string) ExecuteOption {
	return func(opts *ExecuteOptions) {
		opts.ExecutionID = id
	}
}
