package capability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/natsserver"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/tts"
)

func connect(t *testing.T) *bus.Client {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, "capability-test", log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestRegistryAnnouncesSpeechCapability(t *testing.T) {
	client := connect(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	announces, err := client.Conn().SubscribeSync(protocol.SubjectNodeAnnounce)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	cfg := config.NodeConfig{
		ID:                "speech-node",
		Role:              "speech",
		HeartbeatInterval: 50,
		HeartbeatTimeout:  500,
		Capabilities:      []config.NodeCapability{{Name: "speech.output", Tier: "balanced"}},
	}
	speech := SpeechCapability("mock", tts.Capabilities{Streaming: true, SampleRate: 24000, Channels: 1})
	reg, err := NewRegistry(context.Background(), cfg, client, log, speech)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(reg.Close)

	msg, err := announces.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("await announce: %v", err)
	}
	var got announceMessage
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("decode announce: %v", err)
	}
	if got.NodeID != "speech-node" || len(got.Capabilities) != 2 {
		t.Fatalf("unexpected announce %+v", got)
	}
	synth := got.Capabilities[1]
	if synth.Name != SpeechSynthesis || synth.Attributes["streaming"] != "true" || synth.Attributes["sample_rate"] != "24000" {
		t.Fatalf("unexpected speech capability %+v", synth)
	}

	if !reg.Healthy() {
		t.Fatal("expected local node to be healthy after announce")
	}
	if nodes := reg.Query(WithCapabilityFilter(SpeechSynthesis)); len(nodes) != 1 {
		t.Fatalf("expected one synthesis node, got %d", len(nodes))
	}
	if caps := reg.LocalCapabilities(); len(caps) != 2 {
		t.Fatalf("expected 2 local capabilities, got %d", len(caps))
	}
}

func TestRegistryTracksRemoteNodes(t *testing.T) {
	client := connect(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg, err := NewRegistry(context.Background(), config.NodeConfig{
		ID:                "local",
		HeartbeatInterval: 1000,
		HeartbeatTimeout:  200,
	}, client, log)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(reg.Close)

	if err := client.PublishJSON(protocol.SubjectNodeAnnounce, announceMessage{
		NodeID:       "remote",
		Role:         "stt",
		Capabilities: []Capability{{Name: "stt.transcribe"}},
	}); err != nil {
		t.Fatalf("publish announce: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(reg.Query(WithCapabilityFilter("stt.transcribe"))) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("remote node never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	reg.evaluateHealth(time.Now().Add(time.Second))
	for _, node := range reg.Query(nil) {
		if node.Healthy {
			t.Fatalf("expected node %s to age out", node.ID)
		}
	}
}
