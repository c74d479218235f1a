package silero

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
)

// maxRedirects caps how many Location hops EnsureModel follows.
const maxRedirects = 5

const downloadUserAgent = "sipvox/1.0"

// EnsureModel makes the ONNX model available at path, downloading it from
// rawURL when the file does not exist yet. Redirects (301, 302, 303, 307,
// 308) are followed up to maxRedirects hops, relative Location values are
// resolved against the current URL, and only a 2xx body is written to disk.
// An empty download is an error and leaves no file behind.
func EnsureModel(ctx context.Context, path, rawURL string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("silero: stat model: %w", err)
	}
	if rawURL == "" {
		return fmt.Errorf("silero: model %s missing and no download url configured", path)
	}

	res, err := fetch(ctx, rawURL)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("silero: create model directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("silero: create model file: %w", err)
	}
	n, err := io.Copy(f, res.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n == 0 {
		err = fmt.Errorf("silero: downloaded model is empty")
	}
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("silero: download model: %w", err)
	}
	return nil
}

// fetch gets rawURL, chasing redirects by hand so the hop limit and relative
// Location handling are explicit.
func fetch(ctx context.Context, rawURL string) (*http.Response, error) {
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	current, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("silero: bad model url %q: %w", rawURL, err)
	}
	for hop := 0; ; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("silero: build model request: %w", err)
		}
		req.Header.Set("User-Agent", downloadUserAgent)

		res, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("silero: fetch model: %w", err)
		}

		switch res.StatusCode {
		case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
			http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
			loc := res.Header.Get("Location")
			res.Body.Close()
			if loc == "" {
				return nil, fmt.Errorf("silero: redirect from %s without location", current)
			}
			if hop+1 > maxRedirects {
				return nil, fmt.Errorf("silero: more than %d redirects fetching model", maxRedirects)
			}
			next, err := url.Parse(loc)
			if err != nil {
				return nil, fmt.Errorf("silero: bad redirect location %q: %w", loc, err)
			}
			current = current.ResolveReference(next)
		default:
			if res.StatusCode < 200 || res.StatusCode >= 300 {
				res.Body.Close()
				return nil, fmt.Errorf("silero: model download returned %s", res.Status)
			}
			return res, nil
		}
	}
}
