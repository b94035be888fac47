package supervisor

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"logcollector/internal/config"
	"logcollector/internal/types"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestSupervisorStartReloadStop(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.LogDir = filepath.Join(dir, "logs")
	cfg.IntrospectionAddr = "127.0.0.1:0"
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	sup, err := New(cfg, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	port := freePort(t)
	sourceDir := filepath.Join(dir, "out")
	id, err := sup.Registry().Add(&types.Source{
		Name:       "src1",
		PeerIP:     "127.0.0.1",
		Port:       port,
		Protocol:   types.ProtocolUDP,
		Target:     types.TargetFolder,
		FolderPath: sourceDir,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sup.mu.Lock()
	sup.startDataPlane(ctx, sup.registry.List())
	sup.running = true
	sup.mu.Unlock()

	require.Eventually(t, func() bool {
		_, ok := sup.ListenerStatus()[port]
		return ok
	}, time.Second, 10*time.Millisecond)

	sup.Reload(ctx)

	require.Eventually(t, func() bool {
		_, ok := sup.ListenerStatus()[port]
		return ok
	}, time.Second, 10*time.Millisecond)

	sup.mu.Lock()
	sup.stopDataPlane()
	sup.running = false
	sup.mu.Unlock()
}
