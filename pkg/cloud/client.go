package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultBaseURL      = "https://api.bambulab.com"
	defaultBaseURLChina = "https://api.bambulab.cn"
	defaultHTTPTimeout  = 30 * time.Second

	loginTypeVerifyCode = "verifyCode"
)

// Device is one printer bound to the cloud account.
type Device struct {
	DevID      string `json:"dev_id"`
	Name       string `json:"name"`
	Online     bool   `json:"online"`
	DevModel   string `json:"dev_model_name"`
	AccessCode string `json:"dev_access_code"`
}

// Task describes the most recent print task for a device. Cover is a signed
// URL into the vendor's object storage.
type Task struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Cover       string `json:"cover"`
	DeviceID    string `json:"deviceId"`
	StartTime   string `json:"startTime"`
	EndTime     string `json:"endTime"`
	DeviceModel string `json:"deviceModel"`
}

// Options customizes Client construction.
type Options struct {
	// BaseURL overrides the region-derived API endpoint. Used by tests.
	BaseURL string
	// HTTPClient overrides the default client.
	HTTPClient *http.Client
}

// Client talks to the vendor cloud API: account login, device list, latest
// task lookup and cover download. It is safe for concurrent use; only the
// bearer token is mutable.
type Client struct {
	baseURL string
	httpc   *http.Client

	mu    sync.RWMutex
	token string
}

// NewClient builds a client for the given account region ("CN" selects the
// China endpoint, anything else the global one).
func NewClient(region string, opts Options) *Client {
	base := opts.BaseURL
	if base == "" {
		base = defaultBaseURL
		if strings.EqualFold(strings.TrimSpace(region), "CN") {
			base = defaultBaseURLChina
		}
	}
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &Client{baseURL: strings.TrimRight(base, "/"), httpc: httpc}
}

// SetToken installs a bearer token, typically one restored from disk at
// startup for silent re-authentication.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = strings.TrimSpace(token)
	c.mu.Unlock()
}

// Token returns the current bearer token, or "" when logged out.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

type loginRequest struct {
	Account  string `json:"account"`
	Password string `json:"password,omitempty"`
	Code     string `json:"code,omitempty"`
}

type loginResponse struct {
	AccessToken string `json:"accessToken"`
	LoginType   string `json:"loginType"`
	Error       string `json:"error"`
	Code        any    `json:"code"`
}

// Login performs a password login. It returns ErrVerificationRequired when
// the account needs an emailed code and ErrCloudflareBlocked when the
// endpoint rejects us before the API is even reached.
func (c *Client) Login(ctx context.Context, email, password string) error {
	payload := loginRequest{Account: email, Password: password}
	var resp loginResponse
	if err := c.postJSON(ctx, "/v1/user-service/user/login", payload, &resp); err != nil {
		return err
	}
	if resp.LoginType == loginTypeVerifyCode {
		return errors.Wrap(ErrVerificationRequired, "login")
	}
	if resp.AccessToken == "" {
		return errors.Wrap(ErrNotAuthenticated, "login returned no token")
	}
	c.SetToken(resp.AccessToken)
	log.Info().Msg("cloud: password login succeeded")
	return nil
}

// RequestVerificationCode asks the cloud to email a fresh one-time code.
func (c *Client) RequestVerificationCode(ctx context.Context, email string) error {
	payload := map[string]string{"email": email, "type": "codeLogin"}
	if err := c.postJSON(ctx, "/v1/user-service/user/sendemail/code", payload, nil); err != nil {
		return errors.Wrap(err, "request verification code")
	}
	log.Info().Msg("cloud: verification code requested")
	return nil
}

// LoginWithVerificationCode completes a two-factor login and returns the
// issued token. The token is also installed on the client.
func (c *Client) LoginWithVerificationCode(ctx context.Context, email, code string) (string, error) {
	payload := loginRequest{Account: email, Code: code}
	var resp loginResponse
	if err := c.postJSON(ctx, "/v1/user-service/user/login", payload, &resp); err != nil {
		return "", err
	}
	if resp.AccessToken == "" {
		return "", errors.Wrap(ErrCodeIncorrect, "verify returned no token")
	}
	c.SetToken(resp.AccessToken)
	log.Info().Msg("cloud: verification code login succeeded")
	return resp.AccessToken, nil
}

type deviceListResponse struct {
	Devices []Device `json:"devices"`
}

// ListDevices returns the printers bound to the account. An empty slice with
// a nil error means the account is valid but has no printers.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	var resp deviceListResponse
	if err := c.getJSON(ctx, "/v1/iot-service/api/user/bind", &resp); err != nil {
		return nil, err
	}
	return resp.Devices, nil
}

type taskListResponse struct {
	Total int    `json:"total"`
	Hits  []Task `json:"hits"`
}

// LatestTask returns the most recent print task for the given device serial.
func (c *Client) LatestTask(ctx context.Context, serial string) (Task, error) {
	path := fmt.Sprintf("/v1/user-service/my/tasks?deviceId=%s&limit=1", serial)
	var resp taskListResponse
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return Task{}, err
	}
	if len(resp.Hits) == 0 {
		return Task{}, errors.Errorf("no tasks recorded for device %s", serial)
	}
	return resp.Hits[0], nil
}

// LatestCoverURL resolves the cover reference of the device's most recent
// print task.
func (c *Client) LatestCoverURL(ctx context.Context, serial string) (string, error) {
	task, err := c.LatestTask(ctx, serial)
	if err != nil {
		return "", err
	}
	if task.Cover == "" {
		return "", errors.Errorf("task %d has no cover", task.ID)
	}
	return task.Cover, nil
}

// Download fetches an object by its signed URL (usually a job cover image).
func (c *Client) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build download request")
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "download failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("download failed: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read download body")
	}
	return data, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Wrapf(err, "cloud request %s failed", req.URL.Path)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response body")
	}
	if err := classifyStatus(resp, data); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := checkAPIError(data); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "decode response from %s", req.URL.Path)
	}
	return nil
}

// classifyStatus maps HTTP-level failures onto the sentinel errors. A 403
// serving HTML (instead of an API error document) is the anti-bot wall.
func classifyStatus(resp *http.Response, body []byte) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return errors.Wrapf(ErrNotAuthenticated, "status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusForbidden:
		if looksLikeCloudflare(resp, body) {
			return errors.Wrapf(ErrCloudflareBlocked, "status %d", resp.StatusCode)
		}
		return errors.Wrapf(ErrNotAuthenticated, "status %d", resp.StatusCode)
	default:
		return errors.Errorf("cloud request failed: status %d", resp.StatusCode)
	}
}

func looksLikeCloudflare(resp *http.Response, body []byte) bool {
	if resp.Header.Get("cf-mitigated") != "" || resp.Header.Get("CF-RAY") != "" {
		return true
	}
	return bytes.Contains(bytes.ToLower(body), []byte("cloudflare"))
}

// checkAPIError surfaces application-level errors carried in a 200 response.
func checkAPIError(body []byte) error {
	var probe struct {
		Error string `json:"error"`
		Code  any    `json:"code"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.Error == "" {
		return nil
	}
	msg := strings.ToLower(probe.Error)
	switch {
	case strings.Contains(msg, "expired"):
		return errors.Wrap(ErrCodeExpired, probe.Error)
	case strings.Contains(msg, "incorrect"), strings.Contains(msg, "wrong"):
		return errors.Wrap(ErrCodeIncorrect, probe.Error)
	default:
		return errors.Errorf("cloud api error: %s", probe.Error)
	}
}
