package printmirror

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/mirrorlab/PrintMirror/pkg/cloud"
	"github.com/mirrorlab/PrintMirror/pkg/storage"
	"github.com/pkg/errors"
)

type stubCloudAccount struct {
	devices      []cloud.Device
	listErr      error
	loginErr     error
	verifyToken  string
	verifyErr    error
	token        string
	codeRequests int
	loginCalls   int
}

func (s *stubCloudAccount) ListDevices(ctx context.Context) ([]cloud.Device, error) {
	return s.devices, s.listErr
}

func (s *stubCloudAccount) Login(ctx context.Context, email, password string) error {
	s.loginCalls++
	return s.loginErr
}

func (s *stubCloudAccount) RequestVerificationCode(ctx context.Context, email string) error {
	s.codeRequests++
	return nil
}

func (s *stubCloudAccount) LoginWithVerificationCode(ctx context.Context, email, code string) (string, error) {
	if s.verifyErr != nil {
		return "", s.verifyErr
	}
	s.token = s.verifyToken
	return s.verifyToken, nil
}

func (s *stubCloudAccount) SetToken(token string) { s.token = token }

func testCreds() Credentials {
	return Credentials{Region: "EU", Email: "a@b.com", Password: "pw"}
}

func TestRefreshWithDeviceBecomesLoggedIn(t *testing.T) {
	account := &stubCloudAccount{devices: []cloud.Device{{Name: "Workshop P1S", Online: true}}}
	machine := NewCloudAuthStateMachine(account, nil, testCreds())

	machine.Refresh(context.Background())
	if machine.State() != StateLoggedIn {
		t.Fatalf("expected logged in, got %v", machine.State())
	}
	if !machine.Connected() {
		t.Fatal("connected flag should follow logged in state")
	}
}

func TestRefreshEmptyDeviceListIsLoggedOut(t *testing.T) {
	account := &stubCloudAccount{}
	machine := NewCloudAuthStateMachine(account, nil, testCreds())

	machine.Refresh(context.Background())
	if machine.State() != StateLoggedOut || machine.Connected() {
		t.Fatalf("expected logged out, got %v", machine.State())
	}
}

func TestRefreshTransientErrorKeepsSession(t *testing.T) {
	account := &stubCloudAccount{devices: []cloud.Device{{Name: "P1S"}}}
	machine := NewCloudAuthStateMachine(account, nil, testCreds())
	machine.Refresh(context.Background())

	account.listErr = errors.New("dial tcp: i/o timeout")
	machine.Refresh(context.Background())
	if machine.State() != StateLoggedIn {
		t.Fatalf("transient failure must not downgrade, got %v", machine.State())
	}

	// An explicit rejection does downgrade.
	account.listErr = errors.Wrap(cloud.ErrNotAuthenticated, "status 401")
	machine.Refresh(context.Background())
	if machine.State() != StateLoggedOut {
		t.Fatalf("auth rejection must downgrade, got %v", machine.State())
	}
}

func TestInitialRefreshTransientErrorIsLoggedOut(t *testing.T) {
	account := &stubCloudAccount{listErr: errors.New("dial tcp: connection refused")}
	machine := NewCloudAuthStateMachine(account, nil, testCreds())

	machine.Refresh(context.Background())
	if machine.State() != StateLoggedOut {
		t.Fatalf("initial transient failure yields logged out, got %v", machine.State())
	}
}

func TestLoginVerificationRequiredSendsCode(t *testing.T) {
	account := &stubCloudAccount{loginErr: cloud.ErrVerificationRequired}
	machine := NewCloudAuthStateMachine(account, nil, testCreds())
	machine.Logout() // settle into logged out

	machine.Login(context.Background())
	if machine.State() != StateCodeSent {
		t.Fatalf("expected code sent, got %v", machine.State())
	}
	if account.codeRequests != 1 {
		t.Fatalf("expected one code request, got %d", account.codeRequests)
	}
}

func TestSubmitCodePersistsTokenAndLogsIn(t *testing.T) {
	dir := t.TempDir()
	tokenPath := filepath.Join(dir, ".authtoken")
	store := storage.NewTokenStore(tokenPath)

	account := &stubCloudAccount{loginErr: cloud.ErrVerificationRequired, verifyToken: "tok-789"}
	machine := NewCloudAuthStateMachine(account, store, testCreds())
	machine.Logout()
	machine.Login(context.Background())
	machine.SubmitCode(context.Background(), "123456")

	if machine.State() != StateLoggedIn || !machine.Connected() {
		t.Fatalf("expected logged in, got %v", machine.State())
	}
	data, err := os.ReadFile(tokenPath)
	if err != nil {
		t.Fatalf("token file not written: %v", err)
	}
	if string(data) != "tok-789" {
		t.Fatalf("unexpected token contents %q", data)
	}
}

func TestSubmitCodeIncorrectStaysCodeSentWithoutNewCode(t *testing.T) {
	dir := t.TempDir()
	tokenPath := filepath.Join(dir, ".authtoken")
	store := storage.NewTokenStore(tokenPath)
	if err := store.Write("previous-token"); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	account := &stubCloudAccount{loginErr: cloud.ErrVerificationRequired, verifyErr: cloud.ErrCodeIncorrect}
	machine := NewCloudAuthStateMachine(account, store, testCreds())
	machine.Logout()
	machine.Login(context.Background())
	requestsAfterLogin := account.codeRequests

	machine.SubmitCode(context.Background(), "000000")
	if machine.State() != StateCodeSent {
		t.Fatalf("expected code sent, got %v", machine.State())
	}
	if machine.LastError() == "" {
		t.Fatal("incorrect code should surface a message")
	}
	if account.codeRequests != requestsAfterLogin {
		t.Fatal("incorrect code must not request a new code")
	}
	data, _ := os.ReadFile(tokenPath)
	if string(data) != "previous-token" {
		t.Fatalf("prior token file must be unchanged, got %q", data)
	}
}

func TestSubmitCodeExpiredRequestsNewCode(t *testing.T) {
	account := &stubCloudAccount{loginErr: cloud.ErrVerificationRequired, verifyErr: cloud.ErrCodeExpired}
	machine := NewCloudAuthStateMachine(account, nil, testCreds())
	machine.Logout()
	machine.Login(context.Background())
	requestsAfterLogin := account.codeRequests

	machine.SubmitCode(context.Background(), "123456")
	if machine.State() != StateCodeSent {
		t.Fatalf("expected code sent, got %v", machine.State())
	}
	if account.codeRequests != requestsAfterLogin+1 {
		t.Fatalf("expired code should request a new one, got %d requests", account.codeRequests)
	}
}

func TestLoginBlockedThenRetry(t *testing.T) {
	account := &stubCloudAccount{loginErr: cloud.ErrCloudflareBlocked}
	machine := NewCloudAuthStateMachine(account, nil, testCreds())
	machine.Logout()

	machine.Login(context.Background())
	if machine.State() != StateBlocked {
		t.Fatalf("expected blocked, got %v", machine.State())
	}

	// Retry from BLOCKED follows the same login row.
	account.loginErr = nil
	machine.Login(context.Background())
	if machine.State() != StateLoggedIn {
		t.Fatalf("retry from blocked should log in, got %v", machine.State())
	}
	if account.loginCalls != 2 {
		t.Fatalf("expected two login attempts, got %d", account.loginCalls)
	}
}

func TestLogoutClearsLocalFlagOnly(t *testing.T) {
	account := &stubCloudAccount{devices: []cloud.Device{{Name: "P1S"}}}
	machine := NewCloudAuthStateMachine(account, nil, testCreds())
	machine.Refresh(context.Background())

	machine.Logout()
	if machine.State() != StateLoggedOut || machine.Connected() {
		t.Fatalf("expected logged out, got %v", machine.State())
	}
	if account.loginCalls != 0 {
		t.Fatal("logout must not call the cloud")
	}
}

func TestTokenRoundTripAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	tokenPath := filepath.Join(dir, ".authtoken")
	store := storage.NewTokenStore(tokenPath)

	// First run: verification-code login persists the token.
	first := &stubCloudAccount{loginErr: cloud.ErrVerificationRequired, verifyToken: "tok-round-trip"}
	machine := NewCloudAuthStateMachine(first, store, testCreds())
	machine.Logout()
	machine.Login(context.Background())
	machine.SubmitCode(context.Background(), "123456")
	if machine.State() != StateLoggedIn {
		t.Fatalf("first run should be logged in, got %v", machine.State())
	}

	// Fresh startup: token restored before any user interaction; the cloud
	// accepts it so the first refresh lands in logged-in directly.
	second := &stubCloudAccount{devices: []cloud.Device{{Name: "P1S"}}}
	restarted := NewCloudAuthStateMachine(second, store, testCreds())
	restarted.RestoreSession()
	if second.token != "tok-round-trip" {
		t.Fatalf("token not handed to cloud client, got %q", second.token)
	}
	restarted.Refresh(context.Background())
	if restarted.State() != StateLoggedIn {
		t.Fatalf("restart should reach logged in without code entry, got %v", restarted.State())
	}
}
