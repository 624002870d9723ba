package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/user/incidentd/internal/agent"
	"github.com/user/incidentd/internal/agent/tools"
	"github.com/user/incidentd/internal/config"
	ctxengine "github.com/user/incidentd/internal/context"
	"github.com/user/incidentd/internal/state"
	"github.com/user/incidentd/internal/state/mongo"
	"github.com/user/incidentd/internal/types"
	"github.com/user/incidentd/pkg/llm"
	"github.com/user/incidentd/pkg/llm/openai"
)

// openStore opens the document store named by storage.driver. The returned
// close func releases its connections.
func openStore(ctx context.Context, cfg *config.Config) (types.DocumentStore, func(), error) {
	noop := func() {}
	switch cfg.Storage.Driver {
	case "file", "":
		return state.NewFileStore(filepath.Join(cfg.DataDir, "store")), noop, nil
	case "memory":
		return state.NewMemStore(), noop, nil
	case "sql":
		dsn := cfg.Storage.SQL.DSN
		if dsn == "" && cfg.Storage.SQL.Dialect != "mysql" {
			dsn = filepath.Join(cfg.DataDir, "incidentd.db")
		}
		store, err := state.OpenSQL(cfg.Storage.SQL.Dialect, dsn)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	case "mongo":
		if cfg.Storage.Mongo.URI == "" {
			return nil, nil, fmt.Errorf("storage.mongo.uri is required for the mongo driver")
		}
		timeout := cfg.Storage.Mongo.Timeout.Std()
		dialCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		store, err := mongo.Connect(dialCtx, cfg.Storage.Mongo.URI, mongo.Options{
			Database:   cfg.Storage.Mongo.Database,
			Collection: cfg.Storage.Mongo.Collection,
			Timeout:    timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := store.Ping(dialCtx); err != nil {
			store.Disconnect(context.Background())
			return nil, nil, fmt.Errorf("ping mongo: %w", err)
		}
		return store, func() { store.Disconnect(context.Background()) }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// openCodec opens the configured store and wraps it in a session codec.
func openCodec(ctx context.Context, cfg *config.Config) (*state.Codec, func(), error) {
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	codec, err := state.NewCodec(store,
		state.WithChunkSize(cfg.Storage.ChunkSize),
		state.WithMaxDocumentSize(cfg.Storage.MaxDocBytes),
		state.WithCompression(cfg.Storage.Compress),
	)
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	return codec, closeStore, nil
}

// buildExecutor returns the agent executor named by agent.provider.
func buildExecutor(cfg *config.Config) (agent.Executor, error) {
	switch cfg.Agent.Provider {
	case "scripted", "":
		return agent.DemoExecutor{}, nil
	case "openai":
		provider := openai.New(&llm.Config{
			BaseURL:     cfg.LLM.BaseURL,
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
		})

		engine, err := ctxengine.New(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
		if err != nil {
			return nil, fmt.Errorf("create context engine: %w", err)
		}

		available := []agent.Tool{tools.NewQuery(cfg.Agent.Backends)}
		if cfg.Agent.RunbookBaseURL != "" {
			available = append(available, tools.NewRunbook(cfg.Agent.RunbookBaseURL))
		}
		toolset, err := agent.NewToolset(available...)
		if err != nil {
			return nil, err
		}

		backends := make([]string, 0, len(cfg.Agent.Backends))
		for name := range cfg.Agent.Backends {
			backends = append(backends, name)
		}
		sort.Strings(backends)
		return agent.NewLLMExecutor(provider, engine, toolset, backends, cfg.Agent.MaxToolRounds), nil
	default:
		return nil, fmt.Errorf("unknown agent provider %q", cfg.Agent.Provider)
	}
}
