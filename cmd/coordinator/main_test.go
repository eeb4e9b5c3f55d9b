package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/hacluster/internal/auth"
	"github.com/dreamware/hacluster/internal/cluster"
	"github.com/dreamware/hacluster/internal/config"
)

func TestRootCommand(t *testing.T) {
	root := newRootCommand()
	serve, _, err := root.Find([]string{"serve"})
	require.NoError(t, err)
	assert.Equal(t, "serve", serve.Name())

	flag := serve.Flags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "c", flag.Shorthand)
}

func TestParseEventTypes(t *testing.T) {
	types, err := parseEventTypes([]string{"SERVER_DOWN", "server_deletion"})
	require.NoError(t, err)
	assert.Equal(t, []cluster.PartitionEventType{cluster.ServerDown, cluster.ServerDeletion}, types)

	_, err = parseEventTypes([]string{"SERVER_EXPLODED"})
	assert.ErrorContains(t, err, "alerts.events")
}

func TestRun(t *testing.T) {
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.DataDir = t.TempDir()
	cfg.AdminPassword = "rhqadmin"

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- run(ctx, &cfg, zap.NewNop(), ready) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		cancel()
		t.Fatalf("run exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("coordinator did not start")
	}

	client := cluster.NewClient("http://" + addr)
	server, err := client.Join(ctx, cluster.JoinRequest{Name: "srv-a", Address: "127.0.0.1", Port: 7080})
	require.NoError(t, err)
	assert.Equal(t, cluster.ModeNormal, server.OperationMode)

	page, err := client.WithCredentials(auth.AdminName, cfg.AdminPassword).ListServers(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("coordinator did not stop")
	}
}

func TestRunInvalidAlertEvents(t *testing.T) {
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.AdminPassword = "rhqadmin"
	cfg.Alerts.Events = []string{"NOPE"}

	err := run(context.Background(), &cfg, zap.NewNop(), nil)
	assert.ErrorContains(t, err, "alerts.events")
}
