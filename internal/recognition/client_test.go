package recognition

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestClient(url string) *HTTPClient {
	return NewHTTPClient(Config{
		URL:            url,
		Secret:         "top-secret",
		SecretHeader:   "X-Proxy-Secret",
		ConnectTimeout: 200 * time.Millisecond,
		ReadTimeout:    200 * time.Millisecond,
	}, zap.NewNop())
}

func testRequest() Request {
	return Request{
		Image:       []byte{0xff, 0xd8, 0xff, 0xe0},
		ContentType: "image/jpeg",
		Comment:     "with sauce",
		Locale:      "en",
		TraceID:     "trace-1",
	}
}

func TestRecognizeSendsMultipartWithHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Proxy-Secret"); got != "top-secret" {
			t.Errorf("unexpected secret header %q", got)
		}
		if got := r.Header.Get("X-Request-ID"); got != "trace-1" {
			t.Errorf("unexpected trace header %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("failed to parse multipart: %v", err)
		}
		if got := r.FormValue("comment"); got != "with sauce" {
			t.Errorf("unexpected comment %q", got)
		}
		if got := r.FormValue("locale"); got != "en" {
			t.Errorf("unexpected locale %q", got)
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			t.Errorf("missing image part: %v", err)
		} else {
			data, _ := io.ReadAll(file)
			if len(data) != 4 || header.Header.Get("Content-Type") != "image/jpeg" {
				t.Errorf("unexpected image part: %d bytes, %s", len(data), header.Header.Get("Content-Type"))
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[{"name":"Apple","grams":150,"calories":78}]}`))
	}))
	defer server.Close()

	outcome, err := newTestClient(server.URL).Recognize(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.OK {
		t.Fatalf("expected ok outcome, got %+v", outcome)
	}
	if _, ok := outcome.Payload["items"]; !ok {
		t.Fatalf("expected items in payload, got %v", outcome.Payload)
	}
}

func TestRecognizeClassification(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		body     string
		wantOK   *bool
		wantKind Kind
	}{
		{name: "structured error on 200", status: 200, body: `{"error_code":"NO_FOOD","message":"no food detected"}`, wantOK: boolPtr(false)},
		{name: "structured error wins over 422", status: 422, body: `{"error":{"code":"NOT_FOOD","message":"not food"}}`, wantOK: boolPtr(false)},
		{name: "structured error wins over 500", status: 500, body: `{"error_code":"MODEL_REFUSED"}`, wantOK: boolPtr(false)},
		{name: "unauthorized", status: 401, body: `{"detail":"bad key"}`, wantKind: KindAuthentication},
		{name: "forbidden", status: 403, body: ``, wantKind: KindAuthentication},
		{name: "bad request", status: 400, body: `oops`, wantKind: KindValidation},
		{name: "too large", status: 413, body: ``, wantKind: KindValidation},
		{name: "unprocessable", status: 422, body: `{"detail":"x"}`, wantKind: KindValidation},
		{name: "rate limited", status: 429, body: ``, wantKind: KindValidation},
		{name: "service unavailable", status: 503, body: `upstream down`, wantKind: KindServer},
		{name: "unexpected status", status: 418, body: `{}`, wantKind: KindServer},
		{name: "empty 2xx", status: 200, body: ``, wantKind: KindServer},
		{name: "array 2xx", status: 200, body: `[1,2]`, wantKind: KindServer},
		{name: "plain ok", status: 200, body: `{"items":[]}`, wantOK: boolPtr(true)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			outcome, err := newTestClient(server.URL).Recognize(context.Background(), testRequest())
			if tc.wantOK != nil {
				if err != nil {
					t.Fatalf("expected outcome, got error %v", err)
				}
				if outcome.OK != *tc.wantOK {
					t.Fatalf("expected ok=%t, got %t", *tc.wantOK, outcome.OK)
				}
				return
			}
			kind, ok := KindOf(err)
			if !ok {
				t.Fatalf("expected recognition error, got %v", err)
			}
			if kind != tc.wantKind {
				t.Fatalf("expected %s, got %s", tc.wantKind, kind)
			}
		})
	}
}

func TestRecognizeTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Recognize(context.Background(), testRequest())
	if kind, ok := KindOf(err); !ok || kind != KindTimeout {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if !Retryable(KindTimeout) {
		t.Fatal("timeouts must be retryable")
	}
}

func TestRecognizeConnectionFailureIsServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := newTestClient(url).Recognize(context.Background(), testRequest())
	if kind, ok := KindOf(err); !ok || kind != KindServer {
		t.Fatalf("expected server error, got %v", err)
	}
}

func TestRecognizeReturnsCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := newTestClient(server.URL).Recognize(ctx, testRequest())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRetryable(t *testing.T) {
	if Retryable(KindAuthentication) || Retryable(KindValidation) {
		t.Fatal("authentication and validation failures are final")
	}
	if !Retryable(KindServer) {
		t.Fatal("server failures are retryable")
	}
}

func boolPtr(b bool) *bool { return &b }
