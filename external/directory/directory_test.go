package directory_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/leave-engine/external/directory"
	"github.com/warp/leave-engine/leave"
)

func TestHTTPClient_LookupEmployee(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/employees/emp-1":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"emp-1","display_name":"Ada","joining_date":"2025-01-15"}`))
		case "/employees/emp-2":
			_, _ = w.Write([]byte(`{"id":"emp-2","display_name":"Grace"}`))
		case "/employees/broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := directory.NewHTTPClient(srv.URL+"/", time.Second, nil)
	ctx := context.Background()

	info, err := c.LookupEmployee(ctx, "emp-1")
	require.NoError(t, err)
	require.NotNil(t, info.JoiningDate)
	assert.Equal(t, "Ada", info.DisplayName)
	assert.Equal(t, leave.Date(2025, time.January, 15), *info.JoiningDate)

	info, err = c.LookupEmployee(ctx, "emp-2")
	require.NoError(t, err)
	assert.Nil(t, info.JoiningDate)

	info, err = c.LookupEmployee(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, info)

	_, err = c.LookupEmployee(ctx, "broken")
	assert.ErrorIs(t, err, leave.ErrExternalService)
}

func TestHTTPClient_TimesOut(t *testing.T) {
	// GIVEN: A directory that hangs longer than the client timeout
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := directory.NewHTTPClient(srv.URL, 50*time.Millisecond, nil)

	start := time.Now()
	_, err := c.LookupEmployee(context.Background(), "emp-1")

	// THEN: Bounded wait, external service error
	assert.ErrorIs(t, err, leave.ErrExternalService)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestStatic(t *testing.T) {
	joined := leave.Date(2024, time.May, 2)
	s := directory.NewStatic(leave.EmployeeInfo{ID: "emp-1", JoiningDate: &joined})

	info, err := s.LookupEmployee(context.Background(), "emp-1")
	require.NoError(t, err)
	assert.Equal(t, joined, *info.JoiningDate)

	info, err = s.LookupEmployee(context.Background(), "emp-2")
	require.NoError(t, err)
	assert.Nil(t, info)
}
