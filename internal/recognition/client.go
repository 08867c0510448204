package recognition

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"time"

	"go.uber.org/zap"
)

const maxResponseBytes = 4 << 20

// Request is one recognition call. Image must already be normalized.
type Request struct {
	Image       []byte
	ContentType string
	Comment     string
	Locale      string
	TraceID     string
}

// Outcome is a successfully transported response. OK is false when the
// service reported a structured business-level error.
type Outcome struct {
	OK         bool
	StatusCode int
	Payload    map[string]any
}

// Config configures the HTTP client.
type Config struct {
	URL            string
	Secret         string
	SecretHeader   string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// HTTPClient calls the recognition proxy over HTTP.
type HTTPClient struct {
	url          string
	secret       string
	secretHeader string
	http         *http.Client
	logger       *zap.Logger
}

// NewHTTPClient builds a client with independent connect and read timeouts.
func NewHTTPClient(cfg Config, logger *zap.Logger) *HTTPClient {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.SecretHeader == "" {
		cfg.SecretHeader = "X-Proxy-Secret"
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}

	return &HTTPClient{
		url:          cfg.URL,
		secret:       cfg.Secret,
		secretHeader: cfg.SecretHeader,
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.ConnectTimeout + cfg.ReadTimeout,
		},
		logger: logger.Named("recognition_client"),
	}
}

// Recognize performs the remote call and classifies its outcome. A returned
// error is always a *Error unless ctx itself was cancelled.
func (c *HTTPClient) Recognize(ctx context.Context, req Request) (*Outcome, error) {
	body, contentType, err := buildMultipart(req)
	if err != nil {
		return nil, newError(KindValidation, 0, fmt.Errorf("build request body: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return nil, newError(KindAuthentication, 0, fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(c.secretHeader, c.secret)
	if req.TraceID != "" {
		httpReq.Header.Set("X-Request-ID", req.TraceID)
	}

	logger := c.logger.With(zap.String("trace_id", req.TraceID))
	start := time.Now()

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
			return nil, ctxErr
		}
		kind := KindServer
		if isTimeout(err) {
			kind = KindTimeout
		}
		logger.Warn("recognition call failed", zap.Stringer("kind", kind), zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return nil, newError(kind, 0, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		kind := KindServer
		if isTimeout(err) {
			kind = KindTimeout
		}
		return nil, newError(kind, resp.StatusCode, fmt.Errorf("read response: %w", err))
	}

	logger.Info("recognition response",
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(raw)),
		zap.Duration("elapsed", time.Since(start)),
	)

	return classify(resp.StatusCode, raw)
}

func classify(status int, raw []byte) (*Outcome, error) {
	doc := decodeObject(raw)

	if doc != nil {
		if _, _, ok := ErrorCode(doc); ok {
			return &Outcome{OK: false, StatusCode: status, Payload: doc}, nil
		}
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, newError(KindAuthentication, status, errors.New("credential rejected"))
	case status == http.StatusBadRequest,
		status == http.StatusRequestEntityTooLarge,
		status == http.StatusUnprocessableEntity,
		status == http.StatusTooManyRequests:
		return nil, newError(KindValidation, status, errors.New("request rejected"))
	case status < 200 || status > 299:
		return nil, newError(KindServer, status, fmt.Errorf("unexpected status %d", status))
	case doc == nil:
		return nil, newError(KindServer, status, errors.New("empty or non-object response body"))
	}
	return &Outcome{OK: true, StatusCode: status, Payload: doc}, nil
}

// ErrorCode extracts a structured error code from a response document. Both
// {"error_code": "X", "message": "..."} and {"error": {"code": "X", "message": "..."}}
// shapes are recognized.
func ErrorCode(doc map[string]any) (code, message string, ok bool) {
	if s, isStr := doc["error_code"].(string); isStr && s != "" {
		msg, _ := doc["message"].(string)
		if msg == "" {
			msg, _ = doc["detail"].(string)
		}
		return s, msg, true
	}
	if nested, isMap := doc["error"].(map[string]any); isMap {
		if s, isStr := nested["code"].(string); isStr && s != "" {
			msg, _ := nested["message"].(string)
			return s, msg, true
		}
	}
	return "", "", false
}

func decodeObject(raw []byte) map[string]any {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	return doc
}

func buildMultipart(req Request) (io.Reader, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="photo.jpg"`)
	header.Set("Content-Type", req.ContentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(req.Image); err != nil {
		return nil, "", err
	}

	if req.Comment != "" {
		if err := writer.WriteField("comment", req.Comment); err != nil {
			return nil, "", err
		}
	}
	if req.Locale != "" {
		if err := writer.WriteField("locale", req.Locale); err != nil {
			return nil, "", err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, writer.FormDataContentType(), nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
