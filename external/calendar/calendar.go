/*
Package calendar provides work-calendar collaborators: the working-day and
holiday predicates and the working-day count over a range.

  Static      weekend days + holiday table held in memory
  HTTPClient  holidays fetched per year from GET {base}/holidays?year=YYYY
              and cached; concurrent misses for one year share one fetch

Weekend days are configuration, holidays are data. A failed holiday fetch is
returned as *leave.ExternalServiceError and is not cached, so the next call
tries again.
*/
package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/warp/leave-engine/leave"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const serviceName = "calendar"

// DefaultWeekend is Saturday and Sunday.
var DefaultWeekend = []time.Weekday{time.Saturday, time.Sunday}

// ParseWeekend turns day names ("Friday", "sat") into weekdays.
func ParseWeekend(names []string) ([]time.Weekday, error) {
	var out []time.Weekday
	for _, raw := range names {
		n := strings.ToLower(strings.TrimSpace(raw))
		if n == "" {
			continue
		}
		found := false
		for d := time.Sunday; d <= time.Saturday; d++ {
			name := strings.ToLower(d.String())
			if n == name || n == name[:3] {
				out = append(out, d)
				found = true
				break
			}
		}
		if !found {
			return nil, &leave.ConfigurationError{Reason: fmt.Sprintf("unknown weekday %q", raw)}
		}
	}
	return out, nil
}

type weekend map[time.Weekday]bool

func newWeekend(days []time.Weekday) weekend {
	if len(days) == 0 {
		days = DefaultWeekend
	}
	w := make(weekend, len(days))
	for _, d := range days {
		w[d] = true
	}
	return w
}

// holidaySource answers holiday lookups for one day.
type holidaySource func(ctx context.Context, day time.Time) (string, bool, error)

func isWorkingDay(ctx context.Context, w weekend, h holidaySource, day time.Time) (bool, error) {
	if w[day.Weekday()] {
		return false, nil
	}
	_, holiday, err := h(ctx, day)
	if err != nil {
		return false, err
	}
	return !holiday, nil
}

func countWorkingDays(ctx context.Context, w weekend, h holidaySource, start, end time.Time) (int, error) {
	n := 0
	for d := leave.Day(start); !d.After(leave.Day(end)); d = d.AddDate(0, 0, 1) {
		ok, err := isWorkingDay(ctx, w, h, d)
		if err != nil {
			return 0, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// =============================================================================
// STATIC
// =============================================================================

type Static struct {
	weekend  weekend
	mu       sync.RWMutex
	holidays map[string]string
}

// NewStatic builds a calendar. holidays maps YYYY-MM-DD to holiday name.
func NewStatic(weekendDays []time.Weekday, holidays map[string]string) *Static {
	h := make(map[string]string, len(holidays))
	for k, v := range holidays {
		h[k] = v
	}
	return &Static{weekend: newWeekend(weekendDays), holidays: h}
}

func (s *Static) AddHoliday(day time.Time, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holidays[leave.FormatDate(day)] = name
}

func (s *Static) IsHoliday(_ context.Context, day time.Time) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.holidays[leave.FormatDate(day)]
	return name, ok, nil
}

func (s *Static) IsWorkingDay(ctx context.Context, day time.Time) (bool, error) {
	return isWorkingDay(ctx, s.weekend, s.IsHoliday, day)
}

func (s *Static) CountWorkingDays(ctx context.Context, start, end time.Time) (int, error) {
	return countWorkingDays(ctx, s.weekend, s.IsHoliday, start, end)
}

// =============================================================================
// HTTP
// =============================================================================

type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	weekend    weekend
	logger     *zap.Logger

	group singleflight.Group
	mu    sync.RWMutex
	years map[int]map[string]string
}

func NewHTTPClient(baseURL string, timeout time.Duration, weekendDays []time.Weekday, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		weekend:    newWeekend(weekendDays),
		logger:     logger.Named("calendar"),
		years:      make(map[int]map[string]string),
	}
}

type holidayPayload struct {
	Date string `json:"date"`
	Name string `json:"name"`
}

func (c *HTTPClient) IsHoliday(ctx context.Context, day time.Time) (string, bool, error) {
	table, err := c.year(ctx, day.Year())
	if err != nil {
		return "", false, err
	}
	name, ok := table[leave.FormatDate(day)]
	return name, ok, nil
}

func (c *HTTPClient) IsWorkingDay(ctx context.Context, day time.Time) (bool, error) {
	return isWorkingDay(ctx, c.weekend, c.IsHoliday, day)
}

func (c *HTTPClient) CountWorkingDays(ctx context.Context, start, end time.Time) (int, error) {
	return countWorkingDays(ctx, c.weekend, c.IsHoliday, start, end)
}

func (c *HTTPClient) year(ctx context.Context, year int) (map[string]string, error) {
	c.mu.RLock()
	table, ok := c.years[year]
	c.mu.RUnlock()
	if ok {
		return table, nil
	}

	v, err, _ := c.group.Do(strconv.Itoa(year), func() (any, error) {
		table, err := c.fetch(ctx, year)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.years[year] = table
		c.mu.Unlock()
		return table, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]string), nil
}

func (c *HTTPClient) fetch(ctx context.Context, year int) (map[string]string, error) {
	u := fmt.Sprintf("%s/holidays?year=%d", c.baseURL, year)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch holidays: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &leave.ExternalServiceError{Service: serviceName, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &leave.ExternalServiceError{
			Service: serviceName,
			Err:     fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body)),
		}
	}
	var payload []holidayPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &leave.ExternalServiceError{Service: serviceName, Err: fmt.Errorf("decode: %w", err)}
	}

	table := make(map[string]string, len(payload))
	for _, h := range payload {
		d, err := leave.ParseDate(h.Date)
		if err != nil {
			return nil, &leave.ExternalServiceError{Service: serviceName, Err: fmt.Errorf("holiday date %q: %w", h.Date, err)}
		}
		table[leave.FormatDate(d)] = h.Name
	}
	c.logger.Info("holidays loaded",
		zap.Int("year", year),
		zap.Int("count", len(table)),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	return table, nil
}
