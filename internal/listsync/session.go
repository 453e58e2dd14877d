package listsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	createSessionPath  = "/xrpc/com.atproto.server.createSession"
	refreshSessionPath = "/xrpc/com.atproto.server.refreshSession"

	// refreshLeeway renews the access token this long before its exp claim.
	refreshLeeway = 2 * time.Minute
	// fallbackTokenLifetime applies when an access token's exp claim is unreadable.
	fallbackTokenLifetime = 10 * time.Minute
)

var (
	errMissingHost       = errors.New("listsync: pds host is required")
	errMissingIdentifier = errors.New("listsync: account identifier is required")
	errMissingPassword   = errors.New("listsync: app password is required")
)

// SessionConfig captures the credentials for authenticating against the
// list owner's personal data server.
type SessionConfig struct {
	// Host is the PDS base URL, e.g. https://bsky.social.
	Host        string
	Identifier  string
	AppPassword string
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// Session holds the access/refresh token pair for the list owner's account
// and renews it ahead of expiry. Safe for concurrent use.
type Session struct {
	host        string
	identifier  string
	appPassword string
	httpClient  *http.Client
	logger      *zap.Logger

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	accessExpiry time.Time
}

// NewSession validates the configuration and returns a Session. No network
// call happens until the first token request.
func NewSession(cfg SessionConfig) (*Session, error) {
	host := strings.TrimRight(strings.TrimSpace(cfg.Host), "/")
	if host == "" {
		return nil, errMissingHost
	}
	if strings.TrimSpace(cfg.Identifier) == "" {
		return nil, errMissingIdentifier
	}
	if strings.TrimSpace(cfg.AppPassword) == "" {
		return nil, errMissingPassword
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Session{
		host:        host,
		identifier:  cfg.Identifier,
		appPassword: cfg.AppPassword,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

// AccessToken returns a currently valid access token, creating or refreshing
// the session as needed.
func (s *Session) AccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accessToken != "" && time.Now().Before(s.accessExpiry.Add(-refreshLeeway)) {
		return s.accessToken, nil
	}

	if s.refreshToken != "" {
		if err := s.refresh(ctx); err == nil {
			return s.accessToken, nil
		} else {
			s.logger.Warn("session refresh failed, creating a new session", zap.Error(err))
		}
	}

	if err := s.create(ctx); err != nil {
		return "", err
	}
	return s.accessToken, nil
}

type sessionResponse struct {
	DID        string `json:"did"`
	Handle     string `json:"handle"`
	AccessJWT  string `json:"accessJwt"`
	RefreshJWT string `json:"refreshJwt"`
}

func (s *Session) create(ctx context.Context) error {
	payload, err := json.Marshal(map[string]string{
		"identifier": s.identifier,
		"password":   s.appPassword,
	})
	if err != nil {
		return err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.host+createSessionPath, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	session, err := s.doSessionRequest(request)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	s.adopt(session)
	s.logger.Info("pds session created", zap.String("did", session.DID))
	return nil
}

func (s *Session) refresh(ctx context.Context) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.host+refreshSessionPath, nil)
	if err != nil {
		return err
	}
	request.Header.Set("Authorization", "Bearer "+s.refreshToken)

	session, err := s.doSessionRequest(request)
	if err != nil {
		return err
	}

	s.adopt(session)
	s.logger.Debug("pds session refreshed", zap.String("did", session.DID))
	return nil
}

func (s *Session) doSessionRequest(request *http.Request) (sessionResponse, error) {
	response, err := s.httpClient.Do(request)
	if err != nil {
		return sessionResponse{}, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return sessionResponse{}, fmt.Errorf("pds returned status %d", response.StatusCode)
	}

	var session sessionResponse
	if err := json.NewDecoder(response.Body).Decode(&session); err != nil {
		return sessionResponse{}, err
	}
	if session.AccessJWT == "" {
		return sessionResponse{}, errors.New("pds response missing access token")
	}

	return session, nil
}

func (s *Session) adopt(session sessionResponse) {
	s.accessToken = session.AccessJWT
	s.refreshToken = session.RefreshJWT
	s.accessExpiry = tokenExpiry(session.AccessJWT)
}

// tokenExpiry reads the exp claim without verifying the signature; the PDS is
// the issuer and the claim only schedules our refresh.
func tokenExpiry(token string) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Now().Add(fallbackTokenLifetime)
	}
	expiry, err := parsed.Claims.GetExpirationTime()
	if err != nil || expiry == nil {
		return time.Now().Add(fallbackTokenLifetime)
	}
	return expiry.Time
}
