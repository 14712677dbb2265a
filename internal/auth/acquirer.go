package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/Yvictor/tpp/internal/retry"
)

// Error categories for login failures. Callers distinguish them with
// errors.Is: credential rejections are not worth retrying, transport and
// protocol errors are.
var (
	// ErrAuth means the upstream rejected the credential or reported a
	// non-zero result code.
	ErrAuth = errors.New("authentication rejected")
	// ErrProtocol means the upstream answered with something that is not a
	// valid login response.
	ErrProtocol = errors.New("malformed login response")
)

const loginTimeout = 30 * time.Second

// Credential is the (username, password) tuple shared by all pool slots.
type Credential struct {
	Username string
	Password string
}

type loginRequest struct {
	UserID   string `json:"userId"`
	Password string `json:"password"`
}

type loginResponse struct {
	Code  *int   `json:"code"`
	Token string `json:"token"`
}

// Acquirer performs login round-trips against the upstream to obtain bearer
// tokens. It is stateless and safe for concurrent use.
type Acquirer struct {
	client   *http.Client
	loginURL string
}

// NewAcquirer creates an acquirer for the given upstream base URL
// (e.g. "http://db.example.com:8848").
func NewAcquirer(baseURL string) *Acquirer {
	return &Acquirer{
		client:   &http.Client{Timeout: loginTimeout},
		loginURL: baseURL + "/api/login",
	}
}

// Login performs one login round-trip and returns the fresh bearer token.
func (a *Acquirer) Login(ctx context.Context, cred Credential) (string, error) {
	body, err := json.Marshal(loginRequest{UserID: cred.Username, Password: cred.Password})
	if err != nil {
		return "", fmt.Errorf("encode login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.loginURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("login request for user %q: %w", cred.Username, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: login for user %q returned HTTP %d", ErrAuth, cred.Username, resp.StatusCode)
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return "", fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	if lr.Code != nil && *lr.Code != 0 {
		return "", fmt.Errorf("%w: login for user %q failed with code %d", ErrAuth, cred.Username, *lr.Code)
	}
	if lr.Token == "" {
		return "", fmt.Errorf("%w: login response for user %q missing token", ErrAuth, cred.Username)
	}

	return lr.Token, nil
}

// AcquireN logs in n times with the same credential and returns the tokens.
// Each slot gets a bounded retry budget for transient failures; a credential
// rejection aborts immediately since every remaining login would fail the
// same way.
func (a *Acquirer) AcquireN(ctx context.Context, cred Credential, n int) ([]string, error) {
	log.Printf("[INFO] auth: acquiring %d tokens for user=%s", n, cred.Username)

	tokens := make([]string, 0, n)
	for i := 0; i < n; i++ {
		retryer := retry.LoginRetryer()
		var token string
		err := retryer.RunContext(ctx, func() error {
			t, err := a.Login(ctx, cred)
			if err != nil {
				if errors.Is(err, ErrAuth) {
					return &retry.Stop{Err: err}
				}
				log.Printf("[WARN] auth: login attempt failed (%d/%d acquired): %v", len(tokens), n, err)
				return err
			}
			token = t
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("acquire token %d/%d: %w", i+1, n, err)
		}
		tokens = append(tokens, token)
	}

	log.Printf("[INFO] auth: acquired all %d tokens", n)
	return tokens, nil
}
