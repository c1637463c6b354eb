package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/haidar038/digifarm-sub002/internal/farm"
)

// collection maps a record type to its REST collection path segment.
var collection = map[farm.Type]string{
	farm.TypeLand:       "lands",
	farm.TypeProduction: "productions",
	farm.TypeActivity:   "activities",
}

// RESTConfig configures the REST transport.
type RESTConfig struct {
	// BaseURL is the data API root, e.g. "https://api.example.com/rest/v1".
	BaseURL string

	// APIKey is sent as a bearer token on every request.
	APIKey string

	// HTTPClient is used for all requests. If nil, a client with a 30s
	// timeout is used. Per-call deadlines still come from the caller's ctx.
	HTTPClient *http.Client
}

// REST is the production Transport: JSON over HTTPS against the managed
// data API. Optimistic concurrency uses the If-Match header carrying the
// base version; the server answers 409 with its current copy when the
// version has moved.
type REST struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewREST creates a REST transport.
func NewREST(cfg RESTConfig) *REST {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &REST{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  client,
	}
}

// Create implements Transport.Create. idemKey travels as the
// Idempotency-Key header so the server can deduplicate a replayed create
// whose first response was lost.
func (r *REST) Create(ctx context.Context, t farm.Type, payload json.RawMessage, idemKey string) (*Remote, error) {
	url := fmt.Sprintf("%s/%s", r.baseURL, collection[t])
	return r.doRecord(ctx, "create", http.MethodPost, url, payload, 0, t, "", idemKey)
}

// Update implements Transport.Update.
func (r *REST) Update(ctx context.Context, t farm.Type, id string, payload json.RawMessage, baseVersion int64) (*Remote, error) {
	url := fmt.Sprintf("%s/%s/%s", r.baseURL, collection[t], id)
	return r.doRecord(ctx, "update", http.MethodPatch, url, payload, baseVersion, t, id, "")
}

// Delete implements Transport.Delete. A 404 is treated as success so that
// replayed deletes stay idempotent.
func (r *REST) Delete(ctx context.Context, t farm.Type, id string) error {
	url := fmt.Sprintf("%s/%s/%s", r.baseURL, collection[t], id)
	resp, err := r.do(ctx, "delete", http.MethodDelete, url, nil, 0, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if err := r.checkStatus("delete", t, id, 0, resp); err != nil {
		return err
	}
	return nil
}

// FetchAll implements Transport.FetchAll.
func (r *REST) FetchAll(ctx context.Context, t farm.Type) ([]*Remote, error) {
	url := fmt.Sprintf("%s/%s", r.baseURL, collection[t])
	resp, err := r.do(ctx, "fetch", http.MethodGet, url, nil, 0, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := r.checkStatus("fetch", t, "", 0, resp); err != nil {
		return nil, err
	}

	var remotes []*Remote
	if err := json.NewDecoder(resp.Body).Decode(&remotes); err != nil {
		return nil, &TransientError{Op: "fetch", Err: fmt.Errorf("failed to decode %s collection: %w", t, err)}
	}
	for _, rm := range remotes {
		rm.Type = t
	}
	return remotes, nil
}

// doRecord performs a mutating call that returns the server copy.
func (r *REST) doRecord(ctx context.Context, op, method, url string, payload json.RawMessage, baseVersion int64, t farm.Type, id, idemKey string) (*Remote, error) {
	resp, err := r.do(ctx, op, method, url, payload, baseVersion, idemKey)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := r.checkStatus(op, t, id, baseVersion, resp); err != nil {
		return nil, err
	}

	var remote Remote
	if err := json.NewDecoder(resp.Body).Decode(&remote); err != nil {
		return nil, &TransientError{Op: op, Err: fmt.Errorf("failed to decode server copy: %w", err)}
	}
	remote.Type = t
	return &remote, nil
}

// do issues the HTTP request. Network-level failures (including ctx
// deadline) come back as TransientError.
func (r *REST) do(ctx context.Context, op, method, url string, payload json.RawMessage, baseVersion int64, idemKey string) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
	if baseVersion > 0 {
		req.Header.Set("If-Match", strconv.FormatInt(baseVersion, 10))
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &TransientError{Op: op, Err: err}
	}
	return resp, nil
}

// checkStatus classifies non-2xx responses into the error taxonomy.
func (r *REST) checkStatus(op string, t farm.Type, id string, baseVersion int64, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode == http.StatusConflict:
		ce := &ConflictError{
			RecordType:  t,
			RecordID:    id,
			BaseVersion: baseVersion,
		}
		// The server echoes its current copy in the conflict body.
		var remote Remote
		if err := json.Unmarshal(body, &remote); err == nil {
			ce.RemoteVersion = remote.Version
			ce.RemoteUpdatedAt = remote.UpdatedAt
			ce.RemotePayload = remote.Payload
		}
		return ce

	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return &TransientError{Op: op, Err: fmt.Errorf("server returned %d: %s", resp.StatusCode, body)}

	default:
		return &PermanentError{Op: op, StatusCode: resp.StatusCode, Message: string(body)}
	}
}
