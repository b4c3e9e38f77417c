package serialmux

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

// localHostRequest creates an httptest request that appears to come from localhost.
// This bypasses tsweb.AllowDebugAccess which checks for loopback IPs.
func localHostRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func newAdminMux(t *testing.T) (*TestableSerialPort, *SerialMux[*TestableSerialPort], *http.ServeMux) {
	t.Helper()
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)
	t.Cleanup(func() { mux.Close() })
	return port, mux, httpMux
}

func TestAttachAdminRoutes_SendFrameAPI(t *testing.T) {
	tests := []struct {
		name           string
		method         string
		formData       url.Values
		expectedStatus int
		expectedBody   string
		written        string
	}{
		{
			name:           "valid hex frame",
			method:         http.MethodPost,
			formData:       url.Values{"frame": {"4B 53 80 00 D0 00 50 0D"}},
			expectedStatus: http.StatusOK,
			expectedBody:   "Wrote 8 bytes",
			written:        "KS\x80\x00\xD0\x00\x50\r",
		},
		{
			name:           "0x prefix and colons",
			method:         http.MethodPost,
			formData:       url.Values{"frame": {"0x4b:53"}},
			expectedStatus: http.StatusOK,
			expectedBody:   "Wrote 2 bytes",
			written:        "KS",
		},
		{
			name:           "empty frame",
			method:         http.MethodPost,
			formData:       url.Values{"frame": {"   "}},
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "missing frame",
		},
		{
			name:           "odd length hex",
			method:         http.MethodPost,
			formData:       url.Values{"frame": {"4B5"}},
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "Invalid frame",
		},
		{
			name:           "GET method not allowed",
			method:         http.MethodGet,
			expectedStatus: http.StatusMethodNotAllowed,
			expectedBody:   "Method not allowed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port, _, httpMux := newAdminMux(t)

			var body io.Reader
			if tt.formData != nil {
				body = strings.NewReader(tt.formData.Encode())
			}
			req := localHostRequest(tt.method, "/debug/send-frame-api", body)
			if tt.formData != nil {
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			}

			w := httptest.NewRecorder()
			httpMux.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Fatalf("Expected status %d, got %d. Body: %s", tt.expectedStatus, w.Code, w.Body.String())
			}
			if !strings.Contains(w.Body.String(), tt.expectedBody) {
				t.Errorf("Expected body to contain %q, got: %s", tt.expectedBody, w.Body.String())
			}
			if got := string(port.GetWrittenData()); got != tt.written {
				t.Errorf("written = %q, want %q", got, tt.written)
			}
		})
	}
}

func TestAttachAdminRoutes_SendFrameAPI_WriteError(t *testing.T) {
	port, _, httpMux := newAdminMux(t)
	port.WriteError = io.ErrShortWrite

	form := url.Values{"frame": {"4B53"}}
	req := localHostRequest(http.MethodPost, "/debug/send-frame-api", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d. Body: %s", w.Code, w.Body.String())
	}
}

func TestAttachAdminRoutes_SendFramePage(t *testing.T) {
	_, _, httpMux := newAdminMux(t)

	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/send-frame", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d. Body: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "tail.js") {
		t.Error("page does not load tail.js")
	}
}

func TestAttachAdminRoutes_TailJS(t *testing.T) {
	_, _, httpMux := newAdminMux(t)

	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/tail.js", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "javascript") {
		t.Errorf("Expected Content-Type to contain 'javascript', got: %s", ct)
	}
}

func TestAttachAdminRoutes_TailMethodNotAllowed(t *testing.T) {
	_, _, httpMux := newAdminMux(t)

	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, localHostRequest(http.MethodPost, "/debug/tail", nil))

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestAttachAdminRoutes_TailStreamsHex(t *testing.T) {
	port, mux, httpMux := newAdminMux(t)
	srv := httptest.NewServer(httpMux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go mux.Monitor(ctx)

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/debug/tail", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /debug/tail: %v", err)
	}
	defer resp.Body.Close()

	r := bufio.NewReader(resp.Body)
	// the ping is written after the subscription exists
	if line, err := r.ReadString('\n'); err != nil || !strings.HasPrefix(line, ": ping") {
		t.Fatalf("first line = %q, %v", line, err)
	}

	port.AddReadData([]byte("KS\r"))
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading stream: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			if got := strings.TrimSpace(strings.TrimPrefix(line, "data: ")); got != "4b530d" {
				t.Errorf("event = %q, want 4b530d", got)
			}
			return
		}
	}
}
