// Package session keeps the API session requests are authorised with.
package session

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rb3ckers/requestqueue/internal/dispatch"
	"github.com/rs/zerolog"
)

const DefaultEndpoint = "/v2/sessions"

// The API formats timestamps like 2013-03-03T13:37:00+0000
const expiresLayout = "2006-01-02T15:04:05-0700"

// Queue is the part of a dispatch.RequestQueue the manager needs.
type Queue interface {
	Add(r *dispatch.Request) *dispatch.Request
	RunParkedQueue()
}

type Credentials struct {
	APIKey    string
	APISecret string
}

// Session is the body the session endpoint answers with.
type Session struct {
	Token    string `json:"token"`
	Expires  string `json:"expires"`
	Provider string `json:"provider,omitempty"`
}

type sessionBody struct {
	APIKey    string `json:"api_key,omitempty"`
	APISecret string `json:"api_secret,omitempty"`
	Token     string `json:"token,omitempty"`
}

// Manager issues session requests and reports on them to the request queue.
// It is the dispatch.Session of the queue it is attached to.
type Manager struct {
	sync.Mutex

	endpoint    string
	credentials Credentials
	queue       Queue
	logger      zerolog.Logger

	inFlight *dispatch.Request
	waiters  []func(error)
	token    string
	expires  time.Time
}

func NewManager(endpoint string, credentials Credentials, logger zerolog.Logger) *Manager {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	return &Manager{
		endpoint:    endpoint,
		credentials: credentials,
		logger:      logger.With().Str("component", "session").Logger(),
	}
}

// Attach sets the queue session requests are added to.
func (m *Manager) Attach(q Queue) {
	m.Lock()
	defer m.Unlock()

	m.queue = q
}

func (m *Manager) InFlight() bool {
	m.Lock()
	defer m.Unlock()

	return m.inFlight != nil
}

func (m *Manager) Token() string {
	m.Lock()
	defer m.Unlock()

	return m.token
}

func (m *Manager) Expires() time.Time {
	m.Lock()
	defer m.Unlock()

	return m.expires
}

// Refresh starts a session request, or joins the one already in flight. done
// is called with the outcome once the request completes or is dropped.
func (m *Manager) Refresh(done func(error)) *dispatch.Request {
	m.Lock()

	if m.inFlight != nil {
		if done != nil {
			m.waiters = append(m.waiters, done)
		}

		r := m.inFlight
		m.Unlock()

		return r
	}

	if m.queue == nil {
		m.Unlock()
		m.logger.Error().Msg("Session manager is not attached to a queue")

		if done != nil {
			done(errNotAttached)
		}

		return nil
	}

	body, err := json.Marshal(sessionBody{
		APIKey:    m.credentials.APIKey,
		APISecret: m.credentials.APISecret,
		Token:     m.token,
	})
	if err != nil {
		m.Unlock()

		if done != nil {
			done(err)
		}

		return nil
	}

	r := dispatch.NewJSONRequest[Session](http.MethodPost, m.endpoint, m.completed).
		SetSessionRequest(true).
		SetPriority(dispatch.PriorityHigh).
		SetCachePolicy(dispatch.IgnoreCache).
		SetUseLocation(false).
		SetBody("application/json", body)

	m.inFlight = r
	if done != nil {
		m.waiters = append(m.waiters, done)
	}

	q := m.queue
	m.Unlock()

	m.logger.Debug().Str("endpoint", m.endpoint).Msg("Refreshing session")

	// The queue calls back into InFlight, the lock must not be held here
	q.Add(r)

	return r
}

func (m *Manager) completed(resp dispatch.Response[Session]) {
	var err error

	m.Lock()

	if resp.IsSuccess() && resp.Value.Token != "" {
		m.token = resp.Value.Token

		if expires, parseErr := time.Parse(expiresLayout, resp.Value.Expires); parseErr == nil {
			m.expires = expires
		}

		m.logger.Info().Time("expires", m.expires).Msg("Session established")
	} else {
		if resp.Err != nil {
			err = resp.Err
		} else {
			err = errNoToken
		}

		m.logger.Warn().Err(err).Msg("Session request failed")
	}

	m.resume(err)
}

// SessionDropped is called by the queue when a session request was cancelled
// or otherwise ended without a response.
func (m *Manager) SessionDropped(r *dispatch.Request) {
	m.Lock()

	if m.inFlight != r {
		m.Unlock()
		return
	}

	m.logger.Warn().Str("request", r.ID()).Msg("Session request dropped, resuming without a new session")

	m.resume(errRefreshCancelled)
}

// resume must be called with the lock held, it releases it.
func (m *Manager) resume(err error) {
	m.inFlight = nil

	waiters := m.waiters
	m.waiters = nil
	q := m.queue
	m.Unlock()

	q.RunParkedQueue()

	for _, w := range waiters {
		w(err)
	}
}
