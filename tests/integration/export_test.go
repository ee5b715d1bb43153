//go:build integration

package integration

import (
	"context"
	"encoding/csv"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/svcexp-policy-export/internal/testutil"
	"github.com/Sternrassler/svcexp-policy-export/pkg/client"
	"github.com/Sternrassler/svcexp-policy-export/pkg/export"
	"github.com/Sternrassler/svcexp-policy-export/pkg/pagination"
	"github.com/Sternrassler/svcexp-policy-export/pkg/policy"
	"github.com/Sternrassler/svcexp-policy-export/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	tenantOrigin = "https://acme.appomni.com"
	testToken    = "integration-token"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

// testTransport sends requests for the tenant origin to the mock server.
type testTransport struct {
	mockServer *testutil.MockSvcExp
}

func (t *testTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Host == "acme.appomni.com" {
		req.URL.Scheme = "http"
		req.URL.Host = strings.TrimPrefix(t.mockServer.URL(), "http://")
	}
	return http.DefaultTransport.RoundTrip(req)
}

func newMock(t *testing.T, policies int) *testutil.MockSvcExp {
	t.Helper()

	mock := testutil.NewMockSvcExp("o365", "42")
	t.Cleanup(mock.Close)
	mock.RequireToken(testToken)

	var listing []map[string]any
	for i := 1; i <= policies; i++ {
		id := string(rune('0' + i))
		listing = append(listing, map[string]any{
			"id":                    i,
			"policy_category":       "Cat" + id,
			"policy_category_label": "Label " + id,
			"name":                  "Policy " + id,
		})
		mock.SetSettings("Cat"+id, id,
			map[string]any{"api_name": "a" + id, "setting": "first", "criticality": "High", "criticality_score": 9},
			map[string]any{"api_name": "b" + id, "setting": "second", "criticality": "Low", "current_value": []string{"x", "y"}},
		)
	}
	mock.SetPolicies(listing...)

	return mock
}

func newJoiner(t *testing.T, mock *testutil.MockSvcExp, pacer ratelimit.Pacer) *policy.Joiner {
	t.Helper()

	c, err := client.New(client.DefaultConfig(testToken))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	c.SetHTTPClient(&http.Client{
		Transport: &testTransport{mockServer: mock},
		Timeout:   10 * time.Second,
	})

	fetcher, err := pagination.NewFetcher(c, pagination.Config{
		Origin:   tenantOrigin,
		PageSize: 2,
		Pacer:    pacer,
	})
	require.NoError(t, err)

	return policy.NewJoiner(fetcher, policy.Endpoints{
		Origin:             tenantOrigin,
		Service:            "o365",
		MonitoredServiceID: "42",
	})
}

// TestExportFlow covers listing, settings and report writing against a
// paginated API with relative and absolute next links.
func TestExportFlow(t *testing.T) {
	for _, absolute := range []bool{false, true} {
		name := "relative next"
		if absolute {
			name = "absolute next"
		}

		t.Run(name, func(t *testing.T) {
			mock := newMock(t, 5)
			mock.UseAbsoluteNext(absolute)

			joiner := newJoiner(t, mock, ratelimit.NewFixedPacer(0))

			rows, report, err := joiner.Join(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 5, report.Exported)
			require.Len(t, rows, 10)

			path := filepath.Join(t.TempDir(), export.FileName("acme", "o365", time.Now()))
			res, err := export.NewWriter().Write(rows, path)
			require.NoError(t, err)
			require.True(t, res.Written)

			f, err := os.Open(path)
			require.NoError(t, err)
			defer f.Close()

			records, err := csv.NewReader(f).ReadAll()
			require.NoError(t, err)
			require.Len(t, records, 11)
			assert.Equal(t, export.Header(), records[0])
			assert.Equal(t, []string{"Label 1", "Policy 1", "1", "first", "N/A", "High", "N/A", "a1", "Cat1", "9", "N/A"}, records[1])
			assert.Equal(t, `["x","y"]`, records[2][4])
			assert.Equal(t, "Policy 5", records[10][1])

			// 3 listing pages + 5 single-page settings fetches
			assert.Equal(t, 8, mock.GetRequestCount())
		})
	}
}

// TestSharedPacer_TwoExports runs two exports of the same service against one
// Redis and checks that their page pauses are serialized.
func TestSharedPacer_TwoExports(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	const delay = 100 * time.Millisecond
	scope := "acme.appomni.com:o365:42"

	mock := newMock(t, 5)

	var wg sync.WaitGroup
	results := make([][]policy.ExportRow, 2)
	errs := make([]error, 2)

	start := time.Now()
	for i := 0; i < 2; i++ {
		pacer := ratelimit.NewSharedPacer(redisClient, scope, delay, zerolog.Nop())
		joiner := newJoiner(t, mock, pacer)

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = joiner.Join(context.Background())
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	for i := range results {
		require.NoError(t, errs[i])
		assert.Len(t, results[i], 10)
	}

	// Each export pauses twice in the listing. Four slots claimed one delay
	// apart take at least three delays after the first claim.
	if elapsed < 3*delay {
		t.Errorf("Two shared exports took %v, want >= %v", elapsed, 3*delay)
	}
}
