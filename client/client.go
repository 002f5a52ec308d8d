package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/raphi011/testreport/internal/model"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Run = model.Run
type Result = model.Result
type Artifact = model.Artifact
type HealthInfo = model.HealthInfoHTTP

// Client talks to the reporting service. host is the base url of the api,
// e.g. `https://reports.example.com/api`.
type Client struct {
	http    *http.Client
	host    string
	token   string
	project string
}

type RequestError struct {
	ResponseCode int
	Detail       string
}

func (e RequestError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("request failed with status %d: %s", e.ResponseCode, e.Detail)
	}
	return fmt.Sprintf("request failed with status %d", e.ResponseCode)
}

// Temporary reports whether repeating the request may succeed.
func (e RequestError) Temporary() bool {
	return e.ResponseCode >= 500 || e.ResponseCode == http.StatusTooManyRequests
}

// Unauthorized reports whether the token was rejected.
func (e RequestError) Unauthorized() bool {
	return e.ResponseCode == http.StatusUnauthorized || e.ResponseCode == http.StatusForbidden
}

type option func(c *Client)

// WithToken authenticates every request with a bearer token.
func WithToken(token string) option {
	return func(c *Client) {
		c.token = token
	}
}

// WithProject scopes runs and results to a project.
func WithProject(project string) option {
	return func(c *Client) {
		c.project = project
	}
}

func New(host string, c *http.Client, opts ...option) Client {
	client := Client{http: c, host: host}

	for _, o := range opts {
		o(&client)
	}

	return client
}

// NewHTTPClient returns an instrumented http client. caBundle optionally
// names a PEM file with additional trusted root certificates.
func NewHTTPClient(caBundle string, timeout time.Duration) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	if caBundle != "" {
		pem, err := os.ReadFile(caBundle)
		if err != nil {
			return nil, fmt.Errorf("read ca bundle: %w", err)
		}

		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca bundle %s contains no certificates", caBundle)
		}

		transport.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}

	return &http.Client{
		Transport: otelhttp.NewTransport(transport),
		Timeout:   timeout,
	}, nil
}

func (c Client) HealthInfo(ctx context.Context) (HealthInfo, error) {
	req, err := http.NewRequest("GET", c.url("/health/info"), nil)
	if err != nil {
		return HealthInfo{}, err
	}

	var info HealthInfo

	if err = c.do(ctx, req, &info); err != nil {
		return HealthInfo{}, err
	}

	return info, nil
}

// GetRun returns model.NotFoundError when the run does not exist.
func (c Client) GetRun(ctx context.Context, id string) (Run, error) {
	req, err := http.NewRequest("GET", c.url("/run/%s", url.PathEscape(id)), nil)
	if err != nil {
		return Run{}, err
	}

	var run Run

	err = c.do(ctx, req, &run)

	var reqErr RequestError
	if errors.As(err, &reqErr) && reqErr.ResponseCode == http.StatusNotFound {
		return Run{}, model.NotFoundError{}
	} else if err != nil {
		return Run{}, err
	}

	return run, nil
}

func (c Client) AddRun(ctx context.Context, run Run) (Run, error) {
	return c.sendRun(ctx, "POST", c.url("/run"), run)
}

func (c Client) UpdateRun(ctx context.Context, run Run) (Run, error) {
	return c.sendRun(ctx, "PUT", c.url("/run/%s", url.PathEscape(run.ID)), run)
}

func (c Client) sendRun(ctx context.Context, method, url string, run Run) (Run, error) {
	req, err := c.jsonRequest(method, url, model.RunHTTP{Run: run, Project: c.project})
	if err != nil {
		return Run{}, err
	}

	var created Run

	if err = c.do(ctx, req, &created); err != nil {
		return Run{}, err
	}

	return created, nil
}

func (c Client) AddResult(ctx context.Context, result Result) (Result, error) {
	req, err := c.jsonRequest("POST", c.url("/result"), model.ResultHTTP{Result: result, Project: c.project})
	if err != nil {
		return Result{}, err
	}

	var created Result

	if err = c.do(ctx, req, &created); err != nil {
		return Result{}, err
	}

	return created, nil
}

// UploadArtifact uploads the content of an artifact as multipart form. The
// artifact is attached to its result or, without one, to its run.
func (c Client) UploadArtifact(ctx context.Context, a Artifact) (model.ArtifactHTTP, error) {
	body := bytes.Buffer{}
	w := multipart.NewWriter(&body)

	if a.ResultID != "" {
		_ = w.WriteField("result_id", a.ResultID)
	} else {
		_ = w.WriteField("run_id", a.RunID)
	}
	_ = w.WriteField("filename", a.Filename)

	part, err := w.CreateFormFile("file", a.Filename)
	if err != nil {
		return model.ArtifactHTTP{}, err
	}
	if _, err = part.Write(a.Content); err != nil {
		return model.ArtifactHTTP{}, err
	}
	if err = w.Close(); err != nil {
		return model.ArtifactHTTP{}, err
	}

	req, err := http.NewRequest("POST", c.url("/artifact/upload"), &body)
	if err != nil {
		return model.ArtifactHTTP{}, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var uploaded model.ArtifactHTTP

	if err = c.do(ctx, req, &uploaded); err != nil {
		return model.ArtifactHTTP{}, err
	}

	return uploaded, nil
}

func (c Client) jsonRequest(method, url string, v any) (*http.Request, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(method, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	return req, nil
}

func (c Client) url(path string, args ...any) string {
	return c.host + fmt.Sprintf(path, args...)
}

func (c Client) do(ctx context.Context, req *http.Request, body any) error {
	req = req.WithContext(ctx)
	req.Header.Add("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		reqErr := RequestError{ResponseCode: res.StatusCode}

		var e model.ErrorHTTP
		if data, err := io.ReadAll(io.LimitReader(res.Body, 4096)); err == nil && json.Unmarshal(data, &e) == nil {
			reqErr.Detail = e.Detail
		}

		return reqErr
	}

	if body != nil {
		d := json.NewDecoder(res.Body)

		if err = d.Decode(body); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
	}

	return nil
}
