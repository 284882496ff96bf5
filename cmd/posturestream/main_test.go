package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return executeContext(t, context.Background(), args...)
}

func executeContext(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestCheckDefaults(t *testing.T) {
	t.Setenv("POSTURE_ENDPOINT", "")
	out, err := execute(t, "check")
	require.NoError(t, err)
	assert.Contains(t, out, "config ok: endpoint=ws://localhost:8000/ws")
}

func TestCheckFlagsBeatEnvAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("client:\n  endpoint: ws://file/ws\n"), 0o600))
	t.Setenv("POSTURE_ENDPOINT", "ws://env/ws")

	out, err := execute(t, "check", "--config", path, "--endpoint", "wss://flag/ws", "--no-api")
	require.NoError(t, err)
	assert.Contains(t, out, "endpoint=wss://flag/ws")
	assert.Contains(t, out, "api=false")
}

func TestCheckRejectsInvalidConfig(t *testing.T) {
	_, err := execute(t, "check", "--endpoint", "http://not-a-socket")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client.endpoint")
}

func TestRunRejectsArgs(t *testing.T) {
	_, err := execute(t, "run", "extra")
	assert.Error(t, err)
}

func TestRunExitsWhenFirstDialFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	t.Setenv("POSTURE_ENDPOINT", "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = executeContext(t, ctx, "run", "--no-api", "--log-level", "error", "--endpoint", "ws://"+addr+"/ws")
	require.Error(t, err)
	assert.NoError(t, ctx.Err(), "run must not wait for a signal")
	assert.Contains(t, err.Error(), "dial")
}
