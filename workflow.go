package agentflow

import (
	"github.com/juju/errors"
	"github.com/warriorguo/agentflow/runtime"
	"github.com/warriorguo/agentflow/store"
	"github.com/warriorguo/agentflow/store/mem"
	"github.com/warriorguo/agentflow/store/postgres"
	"github.com/warriorguo/agentflow/store/redis"
	"github.com/warriorguo/agentflow/types"
)

// NewEngine creates a new engine with the given options
func NewEngine(opts ...types.EngineOption) (*runtime.Engine, error) {
	options := types.NewEngineOptions()
	for _, opt := range opts {
		opt(options)
	}

	s, err := NewStore(options)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return runtime.NewEngine(s, runtime.NewRegistry(s), options), nil
}

// NewStore creates the store backend selected by the options. Selecting
// none or more than one backend is not valid.
func NewStore(options *types.EngineOptions) (store.Store, error) {
	selected := 0
	for _, set := range []bool{options.MemStore, options.PostgresConfig != nil, options.RedisConfig != nil} {
		if set {
			selected++
		}
	}
	if selected != 1 {
		return nil, errors.NotValidf("%d store backends selected", selected)
	}

	switch {
	case options.MemStore:
		return mem.NewMemStore(), nil

	case options.PostgresConfig != nil:
		pgConfig := &postgres.Config{
			Host:     options.PostgresConfig.Host,
			Port:     options.PostgresConfig.Port,
			User:     options.PostgresConfig.User,
			Password: options.PostgresConfig.Password,
			Database: options.PostgresConfig.Database,
			SSLMode:  options.PostgresConfig.SSLMode,
		}
		s, err := postgres.NewPostgresStore(pgConfig)
		if err != nil {
			return nil, errors.Annotatef(err, "failed to create PostgreSQL store")
		}
		return s, nil

	default:
		redisConfig := &redis.Config{
			Addr:      options.RedisConfig.Addr,
			Password:  options.RedisConfig.Password,
			DB:        options.RedisConfig.DB,
			KeyPrefix: options.RedisConfig.KeyPrefix,
		}
		s, err := redis.NewRedisStore(redisConfig)
		if err != nil {
			return nil, errors.Annotatef(err, "failed to create Redis store")
		}
		return s, nil
	}
}
