// Package session brokers authenticated access to the two upstreams (the
// LMS and the exam repository). Interactive login is flaky and must never
// run concurrently across workers, so all logins funnel through a single
// global mutex; the resulting cookie jar is then handed to its owning
// worker for unserialized, concurrent scraping.
package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/campuskb/sync-engine/engine/domain"
)

// Source identifies which upstream a Session is authenticated against.
type Source string

const (
	SourceLMS  Source = "lms"
	SourceExam Source = "exam"
)

// Credentials is the login pair presented to a Driver. Reuses
// domain.Credentials rather than declaring a parallel type, since
// engine/domain already owns the email/password validation gate.
type Credentials = domain.Credentials

// State is a Session's lifecycle stage.
type State int

const (
	StateNew State = iota
	StateLoggingIn
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateLoggingIn:
		return "logging_in"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Error kinds surfaced by Acquire. AuthError is fatal for the owning
// source's dispatcher; NetworkError is considered transient by callers that
// choose to retry at a higher level.
var (
	ErrAuth    = errors.New("authentication failed")
	ErrNetwork = errors.New("network error during login")
)

// AuthError wraps a login failure that retrying will not fix (bad
// credentials, account locked).
type AuthError struct{ Err error }

func (e *AuthError) Error() string { return "auth: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return errors.Join(ErrAuth, e.Err) }

// NetworkError wraps a transient failure during login (timeout, DNS,
// connection reset).
type NetworkError struct{ Err error }

func (e *NetworkError) Error() string { return "network: " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return errors.Join(ErrNetwork, e.Err) }

// Driver performs the interactive login for a Source and returns the
// resulting cookie jar. Implementations may drive a browser context or
// replay a direct HTTP login flow; Broker does not care which, as long as
// Login is safe to call only while the Broker's login mutex is held.
type Driver interface {
	Login(ctx context.Context, source Source, creds Credentials) (http.CookieJar, error)
}

// Session is an authenticated handle a single worker uses to scrape one
// source. Not safe for concurrent use by more than one worker; each worker
// owns exactly one Session for the lifetime of its course queue.
type Session interface {
	State() State
	Source() Source
	Jar() http.CookieJar
	Client() *http.Client
	Close() error
}

type session struct {
	mu     sync.Mutex
	state  State
	source Source
	jar    http.CookieJar
	client *http.Client
	creds  Credentials // zeroed on Close
}

func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) Source() Source        { return s.source }
func (s *session) Jar() http.CookieJar   { return s.jar }
func (s *session) Client() *http.Client  { return s.client }

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	s.creds = Credentials{} // never outlive the run
	return nil
}

// BrokerOpts configures retry behavior around Driver.Login.
type BrokerOpts struct {
	MaxRetries   int
	InitialBackoff time.Duration
	MaxBackoff   time.Duration
	HTTPTimeout  time.Duration
}

// DefaultBrokerOpts provides sensible defaults.
var DefaultBrokerOpts = BrokerOpts{
	MaxRetries:     3,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     8 * time.Second,
	HTTPTimeout:    30 * time.Second,
}

// Broker serializes login across every worker of every source behind a
// single global mutex; its critical section is exactly the interactive
// login step, never the scraping that follows.
type Broker struct {
	driver      Driver
	opts        BrokerOpts
	loginMu     sync.Mutex
	inFlight    int32 // logins currently inside the critical section
	inFlightMu  sync.Mutex
}

// InFlightLogins returns how many logins are currently inside the critical
// section; never exceeds 1 by construction of the mutex in login.
func (b *Broker) InFlightLogins() int32 {
	b.inFlightMu.Lock()
	defer b.inFlightMu.Unlock()
	return b.inFlight
}

// NewBroker creates a Broker around driver.
func NewBroker(driver Driver, opts BrokerOpts) *Broker {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultBrokerOpts.MaxRetries
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultBrokerOpts.InitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultBrokerOpts.MaxBackoff
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = DefaultBrokerOpts.HTTPTimeout
	}
	return &Broker{driver: driver, opts: opts}
}

// Acquire logs in for source with creds and returns an authenticated
// Session. Login attempts across all sources and all workers are strictly
// serialized by the Broker's global mutex; the mutex is held only for the
// duration of Driver.Login, never for the caller's subsequent scraping.
//
// A failed login is retried up to opts.MaxRetries times with exponential
// backoff, unless the failure is classified as an AuthError, which is
// never retried.
func (b *Broker) Acquire(ctx context.Context, source Source, creds Credentials) (Session, error) {
	if err := domain.ValidateCredentials(creds); err != nil {
		return nil, &AuthError{Err: err}
	}

	backoff := b.opts.InitialBackoff
	var lastErr error
	for attempt := 0; attempt <= b.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > b.opts.MaxBackoff {
				backoff = b.opts.MaxBackoff
			}
		}

		jar, err := b.login(ctx, source, creds)
		if err == nil {
			return &session{
				state:  StateAuthenticated,
				source: source,
				jar:    jar,
				client: &http.Client{Jar: jar, Timeout: b.opts.HTTPTimeout},
			}, nil
		}

		var authErr *AuthError
		if errors.As(err, &authErr) {
			return nil, err // fatal, never retried
		}
		lastErr = err
	}
	return nil, lastErr
}

// login holds the global login mutex for exactly the duration of
// Driver.Login, satisfying the "at most one worker in LOGGING_IN" invariant.
func (b *Broker) login(ctx context.Context, source Source, creds Credentials) (http.CookieJar, error) {
	b.loginMu.Lock()
	defer b.loginMu.Unlock()

	b.inFlightMu.Lock()
	b.inFlight++
	b.inFlightMu.Unlock()
	defer func() {
		b.inFlightMu.Lock()
		b.inFlight--
		b.inFlightMu.Unlock()
	}()

	jar, err := b.driver.Login(ctx, source, creds)
	if err != nil {
		var authErr *AuthError
		var netErr *NetworkError
		if errors.As(err, &authErr) || errors.As(err, &netErr) {
			return nil, err
		}
		return nil, &NetworkError{Err: err}
	}
	return jar, nil
}
