package routing

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/passl/dispatch-core/internal/geo"
)

// OSRMClient talks to an OSRM instance over HTTP. Its sole responsibility is
// coordinate formatting, URL construction and response parsing; routing
// policy lives in the callers.
type OSRMClient struct {
	http    *resty.Client
	profile string
	limiter *rate.Limiter
}

// OSRMConfig configures the OSRM adapter.
type OSRMConfig struct {
	BaseURL string        `yaml:"base_url"`
	Profile string        `yaml:"profile"`
	Timeout time.Duration `yaml:"timeout"`
	// MaxRequestsPerSecond bounds outbound table requests. Zero disables
	// limiting.
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second"`
}

// NewOSRMClient builds the adapter. BaseURL is required.
func NewOSRMClient(cfg OSRMConfig) (*OSRMClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("osrm base url is required")
	}
	if cfg.Profile == "" {
		cfg.Profile = "driving"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.MaxRequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), int(cfg.MaxRequestsPerSecond)+1)
	}

	return &OSRMClient{
		http:    resty.New().SetBaseURL(cfg.BaseURL).SetTimeout(cfg.Timeout),
		profile: cfg.Profile,
		limiter: limiter,
	}, nil
}

type osrmRouteResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
	} `json:"routes"`
}

type osrmTableResponse struct {
	Code      string       `json:"code"`
	Message   string       `json:"message"`
	Durations [][]*float64 `json:"durations"`
}

// Route returns the driving duration in seconds along the given coordinates.
func (c *OSRMClient) Route(ctx context.Context, coords []geo.Coord) (float64, error) {
	if len(coords) < 2 {
		return 0, fmt.Errorf("route needs at least two coordinates")
	}
	if err := c.wait(ctx); err != nil {
		return 0, err
	}

	var out osrmRouteResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("overview", "false").
		SetResult(&out).
		Get(fmt.Sprintf("/route/v1/%s/%s", c.profile, formatCoords(coords)))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMatrixUnavailable, err)
	}
	if resp.IsError() || out.Code != "Ok" || len(out.Routes) == 0 {
		return 0, fmt.Errorf("%w: osrm route %s: %s", ErrMatrixUnavailable, out.Code, out.Message)
	}
	return out.Routes[0].Duration, nil
}

// Table returns the NxN duration matrix for coords. A nil cell means OSRM
// could not route that pair.
func (c *OSRMClient) Table(ctx context.Context, coords []geo.Coord) ([][]*float64, error) {
	if len(coords) == 0 {
		return nil, nil
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	var out osrmTableResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("annotations", "duration").
		SetResult(&out).
		Get(fmt.Sprintf("/table/v1/%s/%s", c.profile, formatCoords(coords)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMatrixUnavailable, err)
	}
	if resp.IsError() || out.Code != "Ok" {
		return nil, fmt.Errorf("%w: osrm table %s: %s", ErrMatrixUnavailable, out.Code, out.Message)
	}
	if len(out.Durations) != len(coords) {
		return nil, fmt.Errorf("%w: osrm table returned %d rows for %d coords", ErrMatrixUnavailable, len(out.Durations), len(coords))
	}
	return out.Durations, nil
}

func (c *OSRMClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrMatrixUnavailable, err)
	}
	return nil
}

// formatCoords renders coordinates as OSRM expects: "lon,lat;lon,lat;...".
func formatCoords(coords []geo.Coord) string {
	parts := make([]string, len(coords))
	for i, c := range coords {
		parts[i] = strconv.FormatFloat(c.Lon, 'f', 6, 64) + "," + strconv.FormatFloat(c.Lat, 'f', 6, 64)
	}
	return strings.Join(parts, ";")
}
