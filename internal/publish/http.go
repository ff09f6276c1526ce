package publish

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPRepository talks to the repository routes of a gateci server.
type HTTPRepository struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPRepository(baseURL string, client *http.Client) *HTTPRepository {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &HTTPRepository{BaseURL: strings.TrimRight(baseURL, "/"), Client: client}
}

func (r *HTTPRepository) url(parts ...string) string {
	return r.BaseURL + "/repository/" + strings.Join(parts, "/")
}

func (r *HTTPRepository) do(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	return r.Client.Do(req)
}

func (r *HTTPRepository) expect(ctx context.Context, method, url string, body io.Reader, want int) error {
	resp, err := r.do(ctx, method, url, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == want {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err = fmt.Errorf("%s %s: %s: %s", method, url, resp.Status, strings.TrimSpace(string(msg)))
	switch resp.StatusCode {
	case http.StatusConflict:
		return fmt.Errorf("%w: %v", ErrReleaseExists, err)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %v", ErrNothingStaged, err)
	}
	return err
}

func (r *HTTPRepository) Exists(ctx context.Context, rel string) (bool, error) {
	if err := CheckRel(rel); err != nil {
		return false, err
	}
	resp, err := r.do(ctx, http.MethodHead, r.url(rel), nil)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("HEAD %s: %s", r.url(rel), resp.Status)
	}
}

func (r *HTTPRepository) Stage(ctx context.Context, run, rel string, src io.Reader) error {
	if err := CheckRel(rel); err != nil {
		return err
	}
	return r.expect(ctx, http.MethodPut, r.url("staging", run, rel), src, http.StatusCreated)
}

func (r *HTTPRepository) Commit(ctx context.Context, run string) error {
	return r.expect(ctx, http.MethodPost, r.url("staging", run, "commit"), nil, http.StatusOK)
}

func (r *HTTPRepository) Abort(ctx context.Context, run string) error {
	return r.expect(ctx, http.MethodDelete, r.url("staging", run), nil, http.StatusNoContent)
}
