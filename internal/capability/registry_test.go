package capability

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/loqalabs/loqa-stt/internal/bus"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/natsserver"
)

func connect(t *testing.T) *bus.Client {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ns, err := natsserver.Start(config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(ns.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{ns.ClientURL()}, ConnectTimeout: 2000}, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestFromConfig(t *testing.T) {
	is := is.New(t)
	cfg := config.Default()
	cfg.STT.Models = map[string]string{"digits": "/m/digits", "commands": "/m/commands"}
	cfg.STT.SpeakerModelPath = "/m/spk"

	caps := FromConfig(cfg)
	is.Equal(len(caps), 2)
	is.Equal(caps[0].Name, CapabilitySTT)
	is.Equal(caps[0].Attributes["models"], "default,commands,digits")
	is.Equal(caps[0].Attributes["sample_rate"], "16000")
	is.Equal(caps[1].Name, CapabilitySpeakerVec)

	cfg.STT.Enabled = false
	is.Equal(len(FromConfig(cfg)), 0)
}

func TestRegistryTracksNodes(t *testing.T) {
	is := is.New(t)
	client := connect(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	nodeCfg := config.NodeConfig{ID: "a", Role: "stt", HeartbeatInterval: 50, HeartbeatTimeout: 200}

	a, err := NewRegistry(context.Background(), nodeCfg, []Capability{{Name: CapabilitySTT}}, client, log)
	is.NoErr(err)
	defer a.Close()

	nodeCfg.ID = "b"
	b, err := NewRegistry(context.Background(), nodeCfg, []Capability{{Name: CapabilitySpeakerID}}, client, log)
	is.NoErr(err)

	deadline := time.Now().Add(5 * time.Second)
	for len(a.Query(nil)) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("registry a never saw node b")
		}
		time.Sleep(10 * time.Millisecond)
	}
	is.True(a.Healthy())

	speakers := a.Query(WithCapability(CapabilitySpeakerID))
	is.Equal(len(speakers), 1)
	is.Equal(speakers[0].ID, "b")

	// b goes silent; a marks it unhealthy once the timeout passes.
	b.Close()
	is.NoErr(client.Conn().Flush())
	time.Sleep(100 * time.Millisecond)
	a.evaluateHealth(time.Now().Add(time.Second))
	is.Equal(len(a.Query(WithCapability(CapabilitySpeakerID))), 0)
}
