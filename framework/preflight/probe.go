// Package preflight checks that the backend the service under test depends on is reachable,
// before the child process is started. The result is informational only.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultPath is the endpoint that is queried, relative to the base URL.
	DefaultPath = "/api/v1/servers"

	// DefaultPreviewBytes is how much of the response body is kept for the transcript.
	DefaultPreviewBytes = 200

	// DefaultTimeout bounds the whole request.
	DefaultTimeout = 10 * time.Second
)

// Prober queries a backend API with a bearer token.
type Prober struct {
	BaseURL      string
	Token        string
	Path         string
	Client       *http.Client
	PreviewBytes int
	Timeout      time.Duration
}

// Result describes what the probe found.
type Result struct {
	URL        string
	Reachable  bool
	StatusCode int
	Preview    string
	Duration   time.Duration
	Err        error
}

func (r Result) String() string {
	switch {
	case r.Err != nil:
		return fmt.Sprintf("GET %s failed: %s", r.URL, r.Err)
	case r.Reachable:
		return fmt.Sprintf("GET %s returned %d in %s: %s", r.URL, r.StatusCode, r.Duration.Round(time.Millisecond), r.Preview)
	default:
		return fmt.Sprintf("GET %s returned status code %d: %s", r.URL, r.StatusCode, r.Preview)
	}
}

// Probe performs the request. It never returns an error directly; failures are reported in the
// Result.
func (p Prober) Probe(ctx context.Context) Result {
	url := p.URL()
	result := Result{URL: url}
	if p.BaseURL == "" {
		result.Err = errors.New("no base URL was configured")
		return result
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		result.Err = err
		return result
	}
	if p.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}
	req.Header.Set("Content-Type", "application/json")

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	started := time.Now()
	resp, err := client.Do(req)
	result.Duration = time.Since(started)
	if err != nil {
		result.Err = err
		return result
	}
	defer resp.Body.Close()

	previewBytes := p.PreviewBytes
	if previewBytes <= 0 {
		previewBytes = DefaultPreviewBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(previewBytes)))
	result.StatusCode = resp.StatusCode
	result.Reachable = resp.StatusCode >= 200 && resp.StatusCode < 300
	result.Preview = string(data)
	if err != nil {
		result.Err = fmt.Errorf("reading response body: %w", err)
	}
	return result
}

// URL returns the full URL that Probe will query.
func (p Prober) URL() string {
	path := p.Path
	if path == "" {
		path = DefaultPath
	}
	return strings.TrimSuffix(p.BaseURL, "/") + "/" + strings.TrimPrefix(path, "/")
}

// MaskToken hides all but the last four characters of a credential.
func MaskToken(token string) string {
	if token == "" {
		return "(none)"
	}
	if len(token) <= 4 {
		return "***"
	}
	return "***" + token[len(token)-4:]
}

// CheckEnv returns an error naming every variable in names that is unset or empty.
func CheckEnv(names []string, lookup func(string) (string, bool)) error {
	var missing []string
	for _, name := range names {
		if value, ok := lookup(name); !ok || value == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required environment variables not set: %s", strings.Join(missing, ", "))
	}
	return nil
}
