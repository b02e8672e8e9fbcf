// Package hfhub talks to the Hugging Face Hub: a dataset repository used as
// a blob store for flagged requests, and the Space restart endpoint.
package hfhub

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/book-expert/voice-clone-service/internal/core"
)

// DefaultHubURL is the public Hub endpoint.
const DefaultHubURL = "https://huggingface.co"

const (
	defaultTimeout     = 60 * time.Second
	commitPathFmt      = "/api/datasets/%s/commit/main"
	resolvePathFmt     = "/datasets/%s/resolve/main/%s"
	restartPathFmt     = "/api/spaces/%s/restart"
	contentTypeNDJSON  = "application/x-ndjson"
	headerAuthz        = "Authorization"
	headerContentType  = "Content-Type"
	bearerPrefix       = "Bearer "
	encodingBase64     = "base64"
	errMsgFmtHubStatus = "hub returned %s: %s"
)

// Static errors.
var (
	ErrRepoIDEmpty  = errors.New("repository id cannot be empty")
	ErrTokenEmpty   = errors.New("hub token cannot be empty")
	ErrNotFound     = errors.New("file not found in dataset")
	ErrHubRequest   = errors.New("hub request failed")
	ErrPathRequired = errors.New("path in repository cannot be empty")
)

type commitLine struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type commitHeader struct {
	Summary     string `json:"summary"`
	Description string `json:"description"`
}

type commitFile struct {
	Content  string `json:"content"`
	Path     string `json:"path"`
	Encoding string `json:"encoding"`
}

type client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func newClient(baseURL, token string, httpClient *http.Client) client {
	if baseURL == "" {
		baseURL = DefaultHubURL
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	return client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

func (c client) do(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create hub request: %w", err)
	}

	if c.token != "" {
		req.Header.Set(headerAuthz, bearerPrefix+c.token)
	}

	if contentType != "" {
		req.Header.Set(headerContentType, contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHubRequest, err)
	}

	return resp, nil
}

func statusError(resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	return fmt.Errorf("%w: "+errMsgFmtHubStatus, ErrHubRequest, resp.Status, strings.TrimSpace(string(detail)))
}

// DatasetStore stores files in a Hub dataset repository, one commit per
// upload.
type DatasetStore struct {
	client
	repoID string
}

var _ core.ObjectStore = (*DatasetStore)(nil)

// NewDatasetStore creates a store over repoID. A nil httpClient gets a
// client with a default timeout.
func NewDatasetStore(baseURL, repoID, token string, httpClient *http.Client) (*DatasetStore, error) {
	if repoID == "" {
		return nil, ErrRepoIDEmpty
	}

	if token == "" {
		return nil, ErrTokenEmpty
	}

	return &DatasetStore{
		client: newClient(baseURL, token, httpClient),
		repoID: repoID,
	}, nil
}

// Upload commits data to the main branch at path.
func (d *DatasetStore) Upload(ctx context.Context, path string, data []byte) error {
	if path == "" {
		return ErrPathRequired
	}

	var body bytes.Buffer

	encoder := json.NewEncoder(&body)

	lines := []commitLine{
		{Key: "header", Value: commitHeader{Summary: "Upload " + path, Description: ""}},
		{Key: "file", Value: commitFile{
			Content:  base64.StdEncoding.EncodeToString(data),
			Path:     path,
			Encoding: encodingBase64,
		}},
	}

	for _, line := range lines {
		encodeErr := encoder.Encode(line)
		if encodeErr != nil {
			return fmt.Errorf("failed to encode commit: %w", encodeErr)
		}
	}

	resp, err := d.do(ctx, http.MethodPost, fmt.Sprintf(commitPathFmt, d.repoID), contentTypeNDJSON, &body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return statusError(resp)
	}

	return nil
}

// Download fetches the file at path from the main branch.
func (d *DatasetStore) Download(ctx context.Context, path string) ([]byte, error) {
	if path == "" {
		return nil, ErrPathRequired
	}

	resp, err := d.do(ctx, http.MethodGet, fmt.Sprintf(resolvePathFmt, d.repoID, escapePath(path)), "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	return data, nil
}

func escapePath(path string) string {
	segments := strings.Split(path, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}

	return strings.Join(segments, "/")
}

// SpaceRestarter asks the Hub to restart a Space.
type SpaceRestarter struct {
	client
	spaceID string
}

var _ core.Restarter = (*SpaceRestarter)(nil)

// NewSpaceRestarter creates a restarter for spaceID.
func NewSpaceRestarter(baseURL, spaceID, token string, httpClient *http.Client) (*SpaceRestarter, error) {
	if spaceID == "" {
		return nil, ErrRepoIDEmpty
	}

	if token == "" {
		return nil, ErrTokenEmpty
	}

	return &SpaceRestarter{
		client:  newClient(baseURL, token, httpClient),
		spaceID: spaceID,
	}, nil
}

// Restart sends a single restart request.
func (s *SpaceRestarter) Restart(ctx context.Context) error {
	resp, err := s.do(ctx, http.MethodPost, fmt.Sprintf(restartPathFmt, s.spaceID), "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	return nil
}
