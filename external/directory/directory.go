// Package directory provides clients for the external employee directory.
// The directory is read-only and may be unavailable; callers degrade to
// "fully entitled" when it is.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/warp/leave-engine/leave"
	"go.uber.org/zap"
)

const serviceName = "directory"

// HTTPClient calls GET {base}/employees/{id}.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewHTTPClient(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("directory"),
	}
}

type employeePayload struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	JoiningDate string `json:"joining_date"`
}

// LookupEmployee returns (nil, nil) on 404. Transport failures and
// unexpected statuses come back as *leave.ExternalServiceError.
func (c *HTTPClient) LookupEmployee(ctx context.Context, id leave.EmployeeID) (*leave.EmployeeInfo, error) {
	u := c.baseURL + "/employees/" + url.PathEscape(string(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("LookupEmployee: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &leave.ExternalServiceError{Service: serviceName, Err: err}
	}
	defer resp.Body.Close()

	c.logger.Debug("directory response received",
		zap.String("employee_id", string(id)),
		zap.Int("status", resp.StatusCode),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &leave.ExternalServiceError{
			Service: serviceName,
			Err:     fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body)),
		}
	}

	var p employeePayload
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, &leave.ExternalServiceError{Service: serviceName, Err: fmt.Errorf("decode: %w", err)}
	}
	info := &leave.EmployeeInfo{ID: id, DisplayName: p.DisplayName}
	if p.JoiningDate != "" {
		d, err := leave.ParseDate(p.JoiningDate)
		if err != nil {
			return nil, &leave.ExternalServiceError{Service: serviceName, Err: fmt.Errorf("joining_date: %w", err)}
		}
		info.JoiningDate = &d
	}
	return info, nil
}

// Static is an in-process directory for tests and single-tenant setups.
type Static struct {
	mu        sync.RWMutex
	employees map[leave.EmployeeID]leave.EmployeeInfo
}

func NewStatic(employees ...leave.EmployeeInfo) *Static {
	s := &Static{employees: make(map[leave.EmployeeID]leave.EmployeeInfo, len(employees))}
	for _, e := range employees {
		s.Put(e)
	}
	return s
}

func (s *Static) Put(e leave.EmployeeInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.employees[e.ID] = e
}

func (s *Static) LookupEmployee(_ context.Context, id leave.EmployeeID) (*leave.EmployeeInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.employees[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}
