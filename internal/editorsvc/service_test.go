package editorsvc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/config"
	"conductor/internal/store"
	"conductor/internal/xerrors"
)

func testSetup(t *testing.T) (*Service, *store.MemoryStore, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.IsolatedRootPrefix = filepath.Join(t.TempDir(), "orchestration_isolated_")
	st := store.NewMemoryStore()
	return NewService(cfg, st), st, cfg
}

func putWorkflow(t *testing.T, st *store.MemoryStore, id, owner string) string {
	t.Helper()
	local := t.TempDir()
	st.PutWorkflow(&store.Workflow{
		ID:            id,
		OwnerID:       owner,
		GitRepo:       "repo.git",
		DefaultBranch: "main",
		LocalPath:     local,
	})
	return local
}

func TestManagerForSharedModeRootsAtWorkingClone(t *testing.T) {
	svc, st, _ := testSetup(t)
	local := putWorkflow(t, st, "wf1", "alice")

	mgr, err := svc.ManagerFor(context.Background(), "wf1", "", Principal{UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, local, mgr.Root())
}

func TestManagerForRejectsForeignOwner(t *testing.T) {
	svc, st, _ := testSetup(t)
	putWorkflow(t, st, "wf1", "alice")

	_, err := svc.ManagerFor(context.Background(), "wf1", "", Principal{UserID: "mallory"})
	assert.Error(t, err)

	// Internal callers bypass the ownership check.
	_, err = svc.ManagerFor(context.Background(), "wf1", "", Principal{Internal: true})
	assert.NoError(t, err)
}

func TestManagerForRequiresWorkflowID(t *testing.T) {
	svc, _, _ := testSetup(t)
	_, err := svc.ManagerFor(context.Background(), "  ", "", Principal{UserID: "alice"})
	assert.Error(t, err)
}

func TestManagerForUnknownWorkflow(t *testing.T) {
	svc, _, _ := testSetup(t)
	_, err := svc.ManagerFor(context.Background(), "ghost", "", Principal{UserID: "alice"})
	assert.Error(t, err)
}

// workspace_path arguments are untrusted; anything outside the isolated root
// prefix is refused regardless of who asks.
func TestValidateWorkspacePathEnforcesPrefix(t *testing.T) {
	svc, st, cfg := testSetup(t)
	putWorkflow(t, st, "wf1", "alice")

	good := cfg.IsolatedRootPrefix + "exec1/block1"
	require.NoError(t, os.MkdirAll(good, 0o755))

	mgr, err := svc.ManagerFor(context.Background(), "wf1", good, Principal{UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, good, mgr.Root())

	for _, bad := range []string{
		"/etc",
		filepath.Dir(cfg.IsolatedRootPrefix),
		cfg.IsolatedRootPrefix + "exec1/../../../etc",
	} {
		_, err := svc.ManagerFor(context.Background(), "wf1", bad, Principal{UserID: "alice"})
		assert.Error(t, err, "path %q must be rejected", bad)
	}
}

// Two requests for the same root must share one manager so pending changes
// created by one caller are visible to the other.
func TestManagerCacheCoherence(t *testing.T) {
	svc, st, _ := testSetup(t)
	putWorkflow(t, st, "wf1", "alice")

	m1, err := svc.ManagerFor(context.Background(), "wf1", "", Principal{UserID: "alice"})
	require.NoError(t, err)
	m2, err := svc.ManagerFor(context.Background(), "wf1", "", Principal{Internal: true})
	require.NoError(t, err)
	assert.Same(t, m1, m2)
}

func TestWorkflowCacheServesRepeatLookups(t *testing.T) {
	cfg := config.Default()
	cfg.IsolatedRootPrefix = filepath.Join(t.TempDir(), "iso_")
	cfg.WorkflowCacheTTL = time.Hour
	st := store.NewMemoryStore()
	svc := NewService(cfg, st)
	local := putWorkflow(t, st, "wf1", "alice")

	_, err := svc.ManagerFor(context.Background(), "wf1", "", Principal{UserID: "alice"})
	require.NoError(t, err)

	// Deleting the workflow behind the cache: the cached entry still serves.
	st.PutWorkflow(&store.Workflow{ID: "other", OwnerID: "x", LocalPath: local})
	mgr, err := svc.ManagerFor(context.Background(), "wf1", "", Principal{UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, local, mgr.Root())
}

func TestReleaseRootDropsManager(t *testing.T) {
	svc, st, _ := testSetup(t)
	local := putWorkflow(t, st, "wf1", "alice")

	m1, err := svc.ManagerFor(context.Background(), "wf1", "", Principal{UserID: "alice"})
	require.NoError(t, err)

	svc.ReleaseRoot(local)

	m2, err := svc.ManagerFor(context.Background(), "wf1", "", Principal{UserID: "alice"})
	require.NoError(t, err)
	assert.NotSame(t, m1, m2)
}

func TestClearCaches(t *testing.T) {
	svc, st, _ := testSetup(t)
	putWorkflow(t, st, "wf1", "alice")

	m1, err := svc.ManagerFor(context.Background(), "wf1", "", Principal{UserID: "alice"})
	require.NoError(t, err)

	svc.ClearCaches()

	m2, err := svc.ManagerFor(context.Background(), "wf1", "", Principal{UserID: "alice"})
	require.NoError(t, err)
	assert.NotSame(t, m1, m2)
}

type staticOwnership struct {
	owners map[string]string
}

func (o *staticOwnership) OwnerOfPath(path string) (string, bool) {
	owner, ok := o.owners[path]
	return owner, ok
}

// A prefix-shaped path is not enough: the workspace must belong to a live
// execution and that execution must belong to the caller.
func TestManagerForChecksWorkspaceOwnership(t *testing.T) {
	svc, st, cfg := testSetup(t)
	putWorkflow(t, st, "wf1", "alice")

	owned := cfg.IsolatedRootPrefix + "exec1/block1"
	dead := cfg.IsolatedRootPrefix + "gone/block1"
	require.NoError(t, os.MkdirAll(owned, 0o755))
	require.NoError(t, os.MkdirAll(dead, 0o755))
	svc.SetWorkspaceOwnership(&staticOwnership{owners: map[string]string{owned: "alice"}})

	mgr, err := svc.ManagerFor(context.Background(), "wf1", owned, Principal{UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, owned, mgr.Root())

	_, err = svc.ManagerFor(context.Background(), "wf1", dead, Principal{UserID: "alice"})
	require.Error(t, err)
	assert.Equal(t, xerrors.KindNotFound, xerrors.KindOf(err))
}

func TestManagerForRejectsForeignWorkspaceOwner(t *testing.T) {
	svc, st, cfg := testSetup(t)
	putWorkflow(t, st, "wf1", "mallory")

	owned := cfg.IsolatedRootPrefix + "exec1/block1"
	require.NoError(t, os.MkdirAll(owned, 0o755))
	svc.SetWorkspaceOwnership(&staticOwnership{owners: map[string]string{owned: "alice"}})

	// The workflow belongs to mallory but the workspace does not.
	_, err := svc.ManagerFor(context.Background(), "wf1", owned, Principal{UserID: "mallory"})
	require.Error(t, err)
	assert.Equal(t, xerrors.KindAccessDenied, xerrors.KindOf(err))

	// Internal callers skip the owner comparison, not the liveness check.
	_, err = svc.ManagerFor(context.Background(), "wf1", owned, Principal{Internal: true})
	assert.NoError(t, err)
}
