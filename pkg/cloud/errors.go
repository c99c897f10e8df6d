package cloud

import "github.com/pkg/errors"

// Sentinel errors for the cloud auth failure modes. Callers match them with
// errors.Is so wrapped variants (with request context attached) still compare.
var (
	// ErrNotAuthenticated marks an explicit auth rejection from the API, as
	// opposed to a transport failure. The login state machine downgrades to
	// logged-out only on this error.
	ErrNotAuthenticated = errors.New("cloud: not authenticated")
	// ErrCloudflareBlocked marks an anti-bot rejection in front of the login
	// endpoint. There is no point retrying automatically.
	ErrCloudflareBlocked = errors.New("cloud: blocked by cloudflare")
	// ErrVerificationRequired means the account needs an emailed one-time
	// code before the login can complete.
	ErrVerificationRequired = errors.New("cloud: email verification required")
	// ErrCodeExpired means the one-time code is no longer valid and a fresh
	// one must be requested.
	ErrCodeExpired = errors.New("cloud: verification code expired")
	// ErrCodeIncorrect means the one-time code was wrong; the same code
	// request is still open and the user may try again.
	ErrCodeIncorrect = errors.New("cloud: verification code incorrect")
)
