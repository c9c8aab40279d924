package chat

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPObjectStore deletes file objects by issuing DELETE requests against
// the file service that owns them. Deletion is best-effort at the call
// sites, so failures surface as errors and are logged, never retried here.
type HTTPObjectStore struct {
	client *http.Client
	token  string
}

// NewHTTPObjectStore builds an object store client.
// token, when set, is sent as a bearer credential.
func NewHTTPObjectStore(token string, timeout time.Duration) *HTTPObjectStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPObjectStore{
		client: &http.Client{Timeout: timeout},
		token:  strings.TrimSpace(token),
	}
}

func (s *HTTPObjectStore) DeleteObject(ctx context.Context, fileURL string) error {
	const op = "chat.HTTPObjectStore.DeleteObject"

	u, err := url.Parse(strings.TrimSpace(fileURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: fmt.Sprintf("invalid file url: %q", fileURL)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u.String(), nil)
	if err != nil {
		return OpError{Op: op, Kind: ErrObjectStore, Msg: err.Error()}
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return OpError{Op: op, Kind: ErrObjectStore, Msg: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	// Already-gone objects are a success for a best-effort delete.
	if resp.StatusCode == http.StatusNotFound || (resp.StatusCode >= 200 && resp.StatusCode < 300) {
		return nil
	}
	return OpError{Op: op, Kind: ErrObjectStore, Msg: fmt.Sprintf("unexpected status: %d", resp.StatusCode)}
}
