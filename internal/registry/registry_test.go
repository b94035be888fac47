package registry

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logcollector/internal/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "sources.json"), filepath.Join(dir, "policy.json"), filepath.Join(dir, "filters.json"))
	reg, err := NewRegistry(store, logrus.New())
	require.NoError(t, err)
	return reg
}

func folderSource(name, ip string, port int, folder string) *types.Source {
	return &types.Source{
		Name:      name,
		PeerIP:    ip,
		Port:      port,
		Protocol:  types.ProtocolUDP,
		Target:    types.TargetFolder,
		FolderPath: folder,
	}
}

func TestAddAssignsIDAndDefaults(t *testing.T) {
	reg := newTestRegistry(t)
	id, err := reg.Add(folderSource("s1", "10.0.0.1", 514, t.TempDir()))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	s, ok := reg.Get(id)
	require.True(t, ok)
	assert.Equal(t, types.DefaultFolderBatchSize, s.BatchSize)
}

// P1: IP uniqueness across a sequence of operations.
func TestDuplicatePeerIPRejected(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Add(folderSource("s1", "10.0.0.1", 514, t.TempDir()))
	require.NoError(t, err)

	_, err = reg.Add(folderSource("s2", "10.0.0.1", 515, t.TempDir()))
	require.Error(t, err)
}

func TestPortSharingAllowedWithDistinctIPs(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Add(folderSource("s1", "10.0.0.1", 514, t.TempDir()))
	require.NoError(t, err)
	_, err = reg.Add(folderSource("s2", "10.0.0.2", 514, t.TempDir()))
	require.NoError(t, err)

	assert.Len(t, reg.List(), 2)
}

func TestInvalidPortRejected(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Add(folderSource("s1", "10.0.0.1", 70000, t.TempDir()))
	require.Error(t, err)
}

func TestHECProbeGatesAddOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := newTestRegistry(t)
	_, err := reg.Add(&types.Source{
		Name: "hec1", PeerIP: "10.0.0.3", Port: 514, Protocol: types.ProtocolTCP,
		Target: types.TargetHEC, HECURL: srv.URL, HECToken: "tok",
	})
	require.NoError(t, err)
}

func TestHECProbeRejectsNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := newTestRegistry(t)
	_, err := reg.Add(&types.Source{
		Name: "hec1", PeerIP: "10.0.0.4", Port: 514, Protocol: types.ProtocolTCP,
		Target: types.TargetHEC, HECURL: srv.URL, HECToken: "tok",
	})
	require.Error(t, err)
}

func TestUpdateRevalidatesFullRecord(t *testing.T) {
	reg := newTestRegistry(t)
	id, err := reg.Add(folderSource("s1", "10.0.0.1", 514, t.TempDir()))
	require.NoError(t, err)

	badPort := 0
	err = reg.Update(id, types.SourcePatch{Port: &badPort})
	require.Error(t, err)

	s, _ := reg.Get(id)
	assert.Equal(t, 514, s.Port)
}

func TestDeleteRemovesSource(t *testing.T) {
	reg := newTestRegistry(t)
	id, err := reg.Add(folderSource("s1", "10.0.0.1", 514, t.TempDir()))
	require.NoError(t, err)

	require.NoError(t, reg.Delete(id))
	_, ok := reg.Get(id)
	assert.False(t, ok)
}
