package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
)

// Call is a single HTTP exchange to perform.
type Call struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Result is the raw outcome of a Call, whatever the status code.
type Result struct {
	StatusCode int
	Header     http.Header
	Data       []byte
	Duration   time.Duration
}

type Settings struct {
	// Timeout bounds a single call, including reading the body.
	Timeout time.Duration
	// RetryAfter is how long a failing host is left alone before it is tried again.
	RetryAfter time.Duration
	// FailureThreshold is the number of successive failures after which a host is temporarily disabled.
	FailureThreshold uint32
	// RateLimit is the number of calls per second allowed per host, 0 disables limiting.
	RateLimit float64
	RateBurst int
}

func DefaultSettings() Settings {
	return Settings{
		Timeout:          20 * time.Second,
		RetryAfter:       30 * time.Second,
		FailureThreshold: 5, //nolint:gomnd
		RateBurst:        10, //nolint:gomnd
	}
}

// errServerFault marks 5xx responses, so they count as failures for the host breaker
// while the response itself is still handed back.
var errServerFault = errors.New("server fault")

// HTTP performs calls over net/http, guarding every host with a circuit breaker and an optional rate limit.
type HTTP struct {
	netClient *http.Client
	settings  Settings
	guards    cmap.ConcurrentMap[string, *hostGuard]
	logger    zerolog.Logger
}

func NewHTTP(settings Settings, logger zerolog.Logger) (*HTTP, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second, //nolint:gomnd
			KeepAlive: 30 * time.Second, //nolint:gomnd
		}).DialContext,
		MaxIdleConns:          100,              //nolint:gomnd
		IdleConnTimeout:       90 * time.Second, //nolint:gomnd
		TLSHandshakeTimeout:   10 * time.Second, //nolint:gomnd
		ExpectContinueTimeout: 1 * time.Second,
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("failed to enable http2: %w", err)
	}

	return &HTTP{
		netClient: &http.Client{
			Timeout:   settings.Timeout,
			Transport: transport,
		},
		settings: settings,
		guards:   cmap.New[*hostGuard](),
		logger:   logger.With().Str("component", "network").Logger(),
	}, nil
}

func (n *HTTP) Perform(ctx context.Context, call *Call) (*Result, error) {
	target, err := url.Parse(call.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url '%s': %w", call.URL, err)
	}

	guard := n.guardFor(target.Host)

	if err := guard.wait(ctx); err != nil {
		return nil, err
	}

	out, err := guard.breaker.Execute(func() (interface{}, error) {
		return n.execute(ctx, call)
	})

	if errors.Is(err, errServerFault) {
		return out.(*Result), nil
	}

	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", call.Method, target.Host, err)
	}

	return out.(*Result), nil
}

func (n *HTTP) execute(ctx context.Context, call *Call) (*Result, error) {
	newRequest, err := http.NewRequestWithContext(ctx, call.Method, call.URL, bytes.NewReader(call.Body))
	if err != nil {
		return nil, err
	}

	if call.Header != nil {
		newRequest.Header = call.Header.Clone()
	}

	start := time.Now()

	response, err := n.netClient.Do(newRequest)
	if err != nil {
		n.logger.Debug().Err(err).Str("url", call.URL).Msg("Error performing request")
		return nil, err
	}
	defer response.Body.Close()

	data, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	result := &Result{
		StatusCode: response.StatusCode,
		Header:     response.Header,
		Data:       data,
		Duration:   time.Since(start),
	}

	if response.StatusCode >= http.StatusInternalServerError {
		return result, errServerFault
	}

	return result, nil
}

func (n *HTTP) guardFor(host string) *hostGuard {
	if g, ok := n.guards.Get(host); ok {
		return g
	}

	n.guards.SetIfAbsent(host, newHostGuard(host, n.settings, n.logger))
	g, _ := n.guards.Get(host)

	return g
}

// Status lists the state of every host this network has talked to.
func (n *HTTP) Status() []*HostStatus {
	statuses := make([]*HostStatus, 0, n.guards.Count())

	for _, guard := range n.guards.Items() {
		statuses = append(statuses, guard.status())
	}

	return statuses
}
