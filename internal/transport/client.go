package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"sort"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/gigmarket/ordersync/internal/metrics"
)

// Operation names understood by the backend's type field
const (
	OpGetData    = "get_data"
	OpGetChat    = "getchat"
	OpSendMsg    = "sendmsg"
	OpUpdateData = "update_data"
	OpUploadData = "upload_data"
)

const (
	DefaultTimeout = 15 * time.Second
	maxBodySize    = 8 << 20
)

// File is an attachment sent as a multipart file part
type File struct {
	Field string
	Name  string
	Data  []byte
}

// Form holds the fields of one backend call
type Form struct {
	fields map[string]string
	files  []File
}

// NewForm starts a form for the given operation type
func NewForm(op string) *Form {
	return &Form{fields: map[string]string{"type": op}}
}

// Set adds a text field; empty values are kept
func (f *Form) Set(key, value string) *Form {
	f.fields[key] = value
	return f
}

// SetIf adds a text field only when value is non-empty
func (f *Form) SetIf(key, value string) *Form {
	if value != "" {
		f.fields[key] = value
	}
	return f
}

// Attach adds a file part
func (f *Form) Attach(field, name string, data []byte) *Form {
	f.files = append(f.files, File{Field: field, Name: name, Data: data})
	return f
}

func (f *Form) Get(key string) string {
	return f.fields[key]
}

// Op returns the operation type
func (f *Form) Op() string {
	return f.fields["type"]
}

// Fields returns a copy of the text fields
func (f *Form) Fields() map[string]string {
	out := make(map[string]string, len(f.fields))
	for k, v := range f.fields {
		out[k] = v
	}
	return out
}

func (f *Form) encode() (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	keys := make([]string, 0, len(f.fields))
	for k := range f.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := w.WriteField(k, f.fields[k]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", k, err)
		}
	}
	for _, file := range f.files {
		part, err := w.CreateFormFile(file.Field, file.Name)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create file part: %w", err)
		}
		if _, err := part.Write(file.Data); err != nil {
			return nil, "", fmt.Errorf("failed to write file part: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return body, w.FormDataContentType(), nil
}

// Config configures the backend client
type Config struct {
	Endpoint string
	Timeout  time.Duration
}

// Client posts multipart forms to the backend's single endpoint
type Client struct {
	endpoint   string
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
}

// NewClient creates a client. Requests are traced through otelhttp.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint: cfg.Endpoint,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

// Submit sends the form and decodes the envelope. A nil error means the call
// reached the backend; check Response.Err for result=false.
func (c *Client) Submit(ctx context.Context, form *Form) (*Response, error) {
	op := form.Op()
	metrics.BackendCalls.Add(1)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, contentType, err := form.encode()
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return nil, &Error{Op: op, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.BackendErrors.Add(1)
		c.logger.Debug("backend request failed", "op", op, "error", err)
		return nil, &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		metrics.BackendErrors.Add(1)
		return nil, &Error{Op: op, StatusCode: resp.StatusCode}
	}

	var out Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&out); err != nil {
		metrics.BackendErrors.Add(1)
		return nil, &Error{Op: op, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	out.op = op

	c.logger.Debug("backend request", "op", op, "result", bool(out.Result), "duration", time.Since(start))
	return &out, nil
}

// Upload sends a file with upload_data and returns the server-assigned file name
func (c *Client) Upload(ctx context.Context, name string, data []byte) (string, error) {
	return Upload(ctx, c, name, data)
}

// Submitter is anything that can run a backend call
type Submitter interface {
	Submit(ctx context.Context, form *Form) (*Response, error)
}

// Upload runs upload_data through s
func Upload(ctx context.Context, s Submitter, name string, data []byte) (string, error) {
	resp, err := s.Submit(ctx, NewForm(OpUploadData).Attach("file", name, data))
	if err != nil {
		return "", err
	}
	if err := resp.Err(); err != nil {
		return "", err
	}
	if resp.FileName == "" {
		return "", &RejectedError{Op: OpUploadData, Message: "no file name returned"}
	}
	return resp.FileName.String(), nil
}
