package sqlstore_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nucleus/correlate/internal/corrections"
	"github.com/nucleus/correlate/internal/sqlstore"
)

// testClient holds a shared test database client for all tests in this
// package, matching the TestMain-container-then-migrate pattern used
// across the retrieved pack's storage test suites.
var testClient *sqlstore.Client

func TestMain(m *testing.M) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "correlate",
			"POSTGRES_PASSWORD": "correlate",
			"POSTGRES_DB":       "correlate",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}

	dsn := fmt.Sprintf("postgres://correlate:correlate@%s:%s/correlate?sslmode=disable", host, port.Port())

	testClient, err = sqlstore.NewClient(ctx, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create client: %v\n", err)
		os.Exit(1)
	}

	if err := testClient.Migrate(migrationsPath()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	testClient.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

// migrationsPath resolves ../../migrations relative to this test file, so
// the suite works regardless of the working directory `go test` is
// invoked from.
func migrationsPath() string {
	_, thisFile, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(thisFile), "..", "..", "migrations")
}

// All tests share the sentinel scope (id 0/1): each uses a value unique to
// the test so they cannot collide with one another inside it.

func TestApplyCorrection_BasicResolution(t *testing.T) {
	ctx := context.Background()
	engine := corrections.NewEngine(testClient, true)

	seed := corrections.ContextList{
		{Key: "type", Value: "test", Important: true, Weight: 1.0},
	}
	seeded, err := engine.FindOrCreateCanonicalEntity(ctx, "Test value sqlstore basic", 0, nil, "", "", seed, nil)
	require.NoError(t, err)

	observed := corrections.ContextList{
		{Key: "type", Value: "test", Important: true, Weight: 1.0},
		{Key: "cat", Value: "x", Weight: 0.5},
	}
	got, err := engine.ApplyCorrection(ctx, "Test value sqlstore basic", observed, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, seeded.ID, got.ID)
}

func TestApplyCorrection_IdempotentAcrossTransactions(t *testing.T) {
	ctx := context.Background()
	engine := corrections.NewEngine(testClient, true)

	observed := corrections.ContextList{{Key: "k", Value: "v", Important: true, Weight: 1.0}}

	first, err := engine.ApplyCorrection(ctx, "Repeat value sqlstore idempotent", observed, 0, nil)
	require.NoError(t, err)

	second, err := engine.ApplyCorrection(ctx, "Repeat value sqlstore idempotent", observed, 0, nil)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
}

func TestApplyCorrection_ApprovedPinSurvivesAcrossCalls(t *testing.T) {
	ctx := context.Background()
	store := testClient.ReadStore()
	engine := corrections.NewEngine(testClient, true)

	const value = "Pinned value sqlstore approved"
	first, err := engine.ApplyCorrection(ctx, value, corrections.ContextList{
		{Key: "k", Value: "v", Important: true, Weight: 1.0},
	}, 0, nil)
	require.NoError(t, err)

	scope, err := store.GetOrCreateSentinelScope(ctx)
	require.NoError(t, err)

	occs, err := store.FindOccurrencesByValue(ctx, scope.ID, value)
	require.NoError(t, err)
	require.Len(t, occs, 1)

	resolutions, err := store.ResolutionsForOccurrence(ctx, occs[0].ID)
	require.NoError(t, err)
	require.Len(t, resolutions, 1)

	_, err = corrections.SetStatus(ctx, store, resolutions[0].ID, corrections.StatusApproved, true)
	require.NoError(t, err)

	second, err := engine.ApplyCorrection(ctx, value, corrections.ContextList{
		{Key: "k", Value: "v", Important: true, Weight: 1.0},
	}, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}
