package printmirror

import (
	"context"
	"sync"

	"github.com/mirrorlab/PrintMirror/pkg/cloud"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// AuthState is the cloud login state shown by the web adapter.
type AuthState int

const (
	StateUnknown AuthState = iota
	StateLoggedOut
	StateCodeSent
	StateLoggingIn
	StateLoggedIn
	StateBlocked
)

func (s AuthState) String() string {
	switch s {
	case StateLoggedOut:
		return "logged_out"
	case StateCodeSent:
		return "code_sent"
	case StateLoggingIn:
		return "logging_in"
	case StateLoggedIn:
		return "logged_in"
	case StateBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// CloudAccount is the slice of the cloud client the auth machine drives.
// *cloud.Client satisfies it.
type CloudAccount interface {
	ListDevices(ctx context.Context) ([]cloud.Device, error)
	Login(ctx context.Context, email, password string) error
	RequestVerificationCode(ctx context.Context, email string) error
	LoginWithVerificationCode(ctx context.Context, email, code string) (string, error)
	SetToken(token string)
}

// TokenStore persists the session token across restarts.
type TokenStore interface {
	Read() (string, error)
	Write(token string) error
}

// Credentials are the account details used for the password login path.
type Credentials struct {
	Region   string
	Email    string
	Password string
}

// CloudAuthStateMachine owns the cloud login state. It is driven
// concurrently by the periodic refresh and by web-request handlers; the
// operations are serialized by opMu while the state word itself sits behind
// its own mutex so the render path reads it without ever blocking on a
// network call in flight.
type CloudAuthStateMachine struct {
	account CloudAccount
	tokens  TokenStore
	creds   Credentials

	// opMu serializes refresh/login/verify so two user actions (or an
	// action racing the refresh ticker) cannot interleave half-transitions.
	opMu sync.Mutex

	mu        sync.Mutex
	state     AuthState
	lastError string
}

// NewCloudAuthStateMachine builds the machine in StateUnknown.
func NewCloudAuthStateMachine(account CloudAccount, tokens TokenStore, creds Credentials) *CloudAuthStateMachine {
	return &CloudAuthStateMachine{
		account: account,
		tokens:  tokens,
		creds:   creds,
		state:   StateUnknown,
	}
}

// RestoreSession hands a previously persisted token to the cloud client so
// the first refresh can authenticate silently. Absence of a token is not an
// error.
func (m *CloudAuthStateMachine) RestoreSession() {
	if m.tokens == nil {
		return
	}
	token, err := m.tokens.Read()
	if err != nil {
		log.Warn().Err(err).Msg("auth: reading stored session token failed")
		return
	}
	if token == "" {
		return
	}
	m.account.SetToken(token)
	log.Debug().Msg("auth: restored session token from disk")
}

// State returns the current state.
func (m *CloudAuthStateMachine) State() AuthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the account is logged in. This is the only
// value the display layer reads; it is derived under the same lock as the
// state word so no reader observes a stale combination.
func (m *CloudAuthStateMachine) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateLoggedIn
}

// LastError returns the most recent user-facing error message.
func (m *CloudAuthStateMachine) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError
}

func (m *CloudAuthStateMachine) setState(state AuthState, message string) {
	m.mu.Lock()
	if m.state != state {
		log.Debug().Stringer("from", m.state).Stringer("to", state).Msg("auth: state change")
	}
	m.state = state
	m.lastError = message
	m.mu.Unlock()
}

// Refresh checks the account by listing bound devices. At least one device
// means logged in; an empty list or an explicit rejection means logged out.
// A transport failure leaves an established session untouched and is retried
// on the next scheduled refresh, except on the very first check where there
// is no session to preserve yet.
func (m *CloudAuthStateMachine) Refresh(ctx context.Context) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	switch m.State() {
	case StateUnknown, StateLoggedOut, StateLoggedIn:
	default:
		// A login flow is mid-flight; leave it alone.
		return
	}

	devices, err := m.account.ListDevices(ctx)
	if err != nil {
		if errors.Is(err, cloud.ErrNotAuthenticated) {
			log.Info().Msg("auth: cloud session rejected")
			m.setState(StateLoggedOut, "")
			return
		}
		if m.State() == StateUnknown {
			log.Warn().Err(err).Msg("auth: initial cloud check failed")
			m.setState(StateLoggedOut, "")
			return
		}
		log.Warn().Err(err).Msg("auth: cloud check failed, keeping state")
		return
	}
	if len(devices) == 0 {
		log.Info().Msg("auth: cloud account has no devices")
		m.setState(StateLoggedOut, "")
		return
	}
	log.Debug().Int("devices", len(devices)).Str("name", devices[0].Name).Bool("online", devices[0].Online).Msg("auth: connected to cloud")
	m.setState(StateLoggedIn, "")
}

// Login runs the password login path. Valid from logged-out and blocked
// (user-initiated retry); any other state ignores the intent.
func (m *CloudAuthStateMachine) Login(ctx context.Context) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	switch m.State() {
	case StateLoggedOut, StateBlocked, StateUnknown:
	default:
		return
	}

	err := m.account.Login(ctx, m.creds.Email, m.creds.Password)
	switch {
	case err == nil:
		m.setState(StateLoggedIn, "")
	case errors.Is(err, cloud.ErrCloudflareBlocked):
		log.Error().Msg("auth: login blocked by cloudflare")
		m.setState(StateBlocked, "Blocked by Cloudflare")
	case errors.Is(err, cloud.ErrVerificationRequired):
		log.Info().Msg("auth: email verification required")
		if reqErr := m.account.RequestVerificationCode(ctx, m.creds.Email); reqErr != nil {
			log.Error().Err(reqErr).Msg("auth: requesting verification code failed")
		}
		m.setState(StateCodeSent, "")
	default:
		log.Error().Err(err).Msg("auth: login failed")
		m.setState(StateLoggedOut, "Login failed")
	}
}

// SubmitCode completes the verification-code login. Valid only from
// CODE_SENT. The interim LOGGING_IN state is published before the network
// call so the web UI can show a spinner.
func (m *CloudAuthStateMachine) SubmitCode(ctx context.Context, code string) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.State() != StateCodeSent {
		return
	}
	m.setState(StateLoggingIn, "")

	token, err := m.account.LoginWithVerificationCode(ctx, m.creds.Email, code)
	switch {
	case err == nil:
		if m.tokens != nil {
			if writeErr := m.tokens.Write(token); writeErr != nil {
				log.Error().Err(writeErr).Msg("auth: persisting session token failed")
			}
		}
		m.setState(StateLoggedIn, "")
	case errors.Is(err, cloud.ErrCodeExpired):
		log.Info().Msg("auth: verification code expired, requesting a new one")
		if reqErr := m.account.RequestVerificationCode(ctx, m.creds.Email); reqErr != nil {
			log.Error().Err(reqErr).Msg("auth: requesting verification code failed")
		}
		m.setState(StateCodeSent, "Code expired, a new one was sent")
	case errors.Is(err, cloud.ErrCodeIncorrect):
		log.Info().Msg("auth: verification code incorrect")
		m.setState(StateCodeSent, "Incorrect code, try again")
	default:
		log.Error().Err(err).Msg("auth: verification failed, requesting a new code")
		if reqErr := m.account.RequestVerificationCode(ctx, m.creds.Email); reqErr != nil {
			log.Error().Err(reqErr).Msg("auth: requesting verification code failed")
		}
		m.setState(StateCodeSent, "Failed to verify code, a new one was sent")
	}
}

// Logout clears the local connected flag only; no remote call is made.
func (m *CloudAuthStateMachine) Logout() {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.setState(StateLoggedOut, "")
}
