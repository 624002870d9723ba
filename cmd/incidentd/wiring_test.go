package main

import (
	"context"
	"testing"

	"github.com/user/incidentd/internal/agent"
	"github.com/user/incidentd/internal/config"
	"github.com/user/incidentd/internal/types"
)

func TestOpenCodecDrivers(t *testing.T) {
	for _, driver := range []string{"file", "memory", "sql"} {
		t.Run(driver, func(t *testing.T) {
			cfg := config.Default()
			cfg.DataDir = t.TempDir()
			cfg.Storage.Driver = driver

			ctx := context.Background()
			codec, closeStore, err := openCodec(ctx, cfg)
			if err != nil {
				t.Fatal(err)
			}
			defer closeStore()

			s, err := types.NewSession("link-down", "eth0 down")
			if err != nil {
				t.Fatal(err)
			}
			if _, err := codec.Encode(ctx, s); err != nil {
				t.Fatalf("encode: %v", err)
			}
			got, err := codec.Decode(ctx, s.ID)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Scenario != "link-down" {
				t.Errorf("unexpected session %+v", got)
			}
		})
	}
}

func TestOpenStoreRejectsBadConfig(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	cfg.Storage.Driver = "cassandra"
	if _, _, err := openStore(context.Background(), cfg); err == nil {
		t.Error("expected error for unknown driver")
	}

	cfg.Storage.Driver = "mongo"
	cfg.Storage.Mongo.URI = ""
	if _, _, err := openStore(context.Background(), cfg); err == nil {
		t.Error("expected error for mongo without uri")
	}
}

func TestBuildExecutor(t *testing.T) {
	cfg := config.Default()

	x, err := buildExecutor(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := x.(agent.DemoExecutor); !ok {
		t.Errorf("expected demo executor by default, got %T", x)
	}

	cfg.Agent.Provider = "magic"
	if _, err := buildExecutor(cfg); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestParseBackends(t *testing.T) {
	got := parseBackends("graph=http://g:1, telemetry=http://t:2,broken,=x")
	if len(got) != 2 || got["graph"] != "http://g:1" || got["telemetry"] != "http://t:2" {
		t.Errorf("unexpected backends %v", got)
	}
}
