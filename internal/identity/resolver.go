package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"go.uber.org/zap"
)

const (
	defaultPLCDirectoryURL = "https://plc.directory"
	defaultTimeout         = 5 * time.Second

	handleURIPrefix = "at://"
)

// ResolverConfig captures the dependencies for constructing a Resolver.
type ResolverConfig struct {
	// PLCDirectoryURL is the did:plc directory endpoint.
	PLCDirectoryURL string
	// Timeout bounds each lookup; resolution sits on the ingestion path and
	// must never stall it indefinitely.
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Resolver performs best-effort handle lookups from DID documents. Every
// failure degrades to "no handle"; resolution never returns an error.
type Resolver struct {
	plcURL     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewResolver returns a Resolver with defaults filled in.
func NewResolver(cfg ResolverConfig) *Resolver {
	plcURL := strings.TrimRight(cfg.PLCDirectoryURL, "/")
	if plcURL == "" {
		plcURL = defaultPLCDirectoryURL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	httpClient.Timeout = timeout

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Resolver{plcURL: plcURL, httpClient: httpClient, logger: logger}
}

type didDocument struct {
	ID          string   `json:"id"`
	AlsoKnownAs []string `json:"alsoKnownAs"`
}

// ResolveHandle looks up the current handle for did, reporting false when no
// handle could be determined for any reason.
func (r *Resolver) ResolveHandle(ctx context.Context, rawDID string) (string, bool) {
	did, err := syntax.ParseDID(rawDID)
	if err != nil {
		r.logger.Debug("handle resolution skipped for invalid did", zap.String("did", rawDID))
		return "", false
	}

	var documentURL string
	switch did.Method() {
	case "plc":
		documentURL = fmt.Sprintf("%s/%s", r.plcURL, did.String())
	case "web":
		domain := strings.TrimPrefix(did.String(), "did:web:")
		documentURL = fmt.Sprintf("https://%s/.well-known/did.json", domain)
	default:
		return "", false
	}

	document, err := r.fetchDocument(ctx, documentURL)
	if err != nil {
		r.logger.Debug("handle resolution failed",
			zap.String("did", did.String()),
			zap.Error(err))
		return "", false
	}

	for _, alias := range document.AlsoKnownAs {
		if strings.HasPrefix(alias, handleURIPrefix) {
			return strings.TrimPrefix(alias, handleURIPrefix), true
		}
	}

	return "", false
}

func (r *Resolver) fetchDocument(ctx context.Context, documentURL string) (didDocument, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, documentURL, nil)
	if err != nil {
		return didDocument{}, err
	}

	response, err := r.httpClient.Do(request)
	if err != nil {
		return didDocument{}, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return didDocument{}, fmt.Errorf("directory returned status %d", response.StatusCode)
	}

	var document didDocument
	if err := json.NewDecoder(response.Body).Decode(&document); err != nil {
		return didDocument{}, err
	}

	return document, nil
}
