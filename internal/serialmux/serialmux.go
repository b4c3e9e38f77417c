// Serialmux provides an abstraction over a serial port with the ability for
// multiple clients to subscribe to the raw bytes read from the port and send
// frames to a single serial port device.
package serialmux

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"tailscale.com/tsweb"

	"github.com/banshee-data/kserial/internal/monitoring"
)

var ErrWriteFailed = fmt.Errorf("failed to write to serial port")

const (
	// DefaultReadSize is the largest chunk handed to subscribers per read.
	DefaultReadSize = 1024
	// SubscriberBuffer is the number of chunks a subscriber may lag behind
	// before chunks are dropped for it.
	SubscriberBuffer = 256
)

var logf = monitoring.Tagged("serialmux")

//go:embed templates/*
var adminTemplateFS embed.FS

var sendFrameTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/send-frame.html.tmpl"))

// SerialMux is a generic serial port multiplexer that allows multiple clients to
// subscribe to the byte stream of a single serial port.
type SerialMux[T SerialPorter] struct {
	port         T
	readSize     int
	subscribers  map[string]chan []byte
	lagged       map[string]uint64
	subscriberMu sync.Mutex
	writeMu      sync.Mutex
	closing      bool
	closingMu    sync.Mutex
	dropped      atomic.Uint64
}

// SerialMuxInterface defines the interface for the SerialMux type.
type SerialMuxInterface interface {
	// Subscribe creates a new channel for receiving chunks read from the
	// serial port. The channel ID is used to identify the unique channel when
	// unsubscribing. Each chunk is a private copy owned by the receiver.
	Subscribe() (string, chan []byte)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// Send writes the provided bytes to the serial port.
	Send([]byte) error
	// Monitor reads from the serial port and fans the chunks out to
	// subscribers until the context is cancelled or the port is closed.
	Monitor(context.Context) error
	// Close closes all subscribed channels and closes the serial port.
	Close() error
	// SubscriberDropped returns how many chunks were discarded for the
	// subscriber id because its channel was full.
	SubscriberDropped(string) uint64

	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/. These routes are accessible only over
	// localhost/via Tailscale and are not publicly accessible.
	AttachAdminRoutes(*http.ServeMux)
}

var _ SerialMuxInterface = (*SerialMux[SerialPorter])(nil)

// NewSerialMux creates a SerialMux instance reading from port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		readSize:    DefaultReadSize,
		subscribers: make(map[string]chan []byte),
		lagged:      make(map[string]uint64),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan []byte) {
	id := randomID()
	ch := make(chan []byte, SubscriberBuffer)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
		delete(s.lagged, id)
	}
}

// SetReadSize sets the read buffer size used by the next Monitor call.
// Values <= 0 restore DefaultReadSize.
func (s *SerialMux[T]) SetReadSize(n int) {
	if n <= 0 {
		n = DefaultReadSize
	}
	s.readSize = n
}

// Dropped returns the number of chunks discarded because a subscriber was
// not keeping up.
func (s *SerialMux[T]) Dropped() uint64 { return s.dropped.Load() }

// SubscriberDropped returns the chunks discarded for one subscriber.
func (s *SerialMux[T]) SubscriberDropped(id string) uint64 {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	return s.lagged[id]
}

// Send writes b to the serial port in a single write.
func (s *SerialMux[T]) Send(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	n, err := s.port.Write(b)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	if n != len(b) {
		return ErrWriteFailed
	}
	return nil
}

func (s *SerialMux[T]) isClosing() bool {
	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	return s.closing
}

// Monitor reads the serial port and sends each chunk to subscribers. It
// returns nil when the port reaches EOF or is closed through Close.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	chunkChan := make(chan []byte)
	readErrChan := make(chan error, 1)

	// the blocking Read will not interfere with our outer loop awaiting
	// chunks & context cancellation.
	go func() {
		defer close(chunkChan)
		buf := make([]byte, s.readSize)
		for {
			n, err := s.port.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunkChan <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErrChan <- err
				}
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case chunk, ok := <-chunkChan:
			if !ok {
				select {
				case err := <-readErrChan:
					if s.isClosing() {
						return nil
					}
					return err
				default:
					return nil
				}
			}
			if s.isClosing() {
				return nil
			}
			s.broadcast(chunk)
		}
	}
}

func (s *SerialMux[T]) broadcast(chunk []byte) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	first := true
	for id, ch := range s.subscribers {
		c := chunk
		if !first {
			c = bytes.Clone(chunk)
		}
		first = false
		select {
		case ch <- c:
		default:
			// a slow subscriber must not stall the port
			s.lagged[id]++
			if s.dropped.Add(1)%100 == 1 {
				logf("subscriber lagging, %d chunks dropped so far", s.dropped.Load())
			}
		}
	}
}

func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	if s.closing {
		s.closingMu.Unlock()
		return nil
	}
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
		delete(s.lagged, id)
	}
	s.subscriberMu.Unlock()
	return s.port.Close()
}

// parseHexFrame accepts hex with optional whitespace, colons or a 0x prefix.
func parseHexFrame(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', ':', '-':
			return -1
		}
		return r
	}, s)
	if s == "" {
		return nil, errors.New("missing frame")
	}
	return hex.DecodeString(s)
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	attachAdminRoutes(mux, s.Send, s.Subscribe, s.Unsubscribe)
}

func attachAdminRoutes(mux *http.ServeMux, send func([]byte) error, subscribe func() (string, chan []byte), unsubscribe func(string)) {
	debug := tsweb.Debugger(mux)

	// Basic frame sender / live tail monitor interface using the below two API endpoints.
	debug.HandleFunc("send-frame", "send a hex encoded frame to the serial port", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		if err := sendFrameTemplate.Execute(buf, nil); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	// API endpoint to write a frame to the serial port
	debug.HandleSilentFunc("send-frame-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		frame, err := parseHexFrame(r.FormValue("frame"))
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid frame: %v", err), http.StatusBadRequest)
			return
		}
		if err := send(frame); err != nil {
			http.Error(w, "Failed to write frame", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "Wrote %d bytes to serial port", len(frame))
	})

	// API endpoint to issue Server-Side Events (SSE) carrying the hex encoding
	// of each chunk read from the serial port.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := subscribe()
		defer unsubscribe(id)

		// Send initial ping to establish connection
		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case chunk, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", hex.EncodeToString(chunk)); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})

	debug.HandleSilentFunc("tail.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Cache-Control", "no-cache")

		f, err := adminTemplateFS.Open("templates/tail.js")
		if err != nil {
			http.Error(w, "Failed to open tail.js", http.StatusInternalServerError)
			return
		}
		defer f.Close()
		io.Copy(w, f)
	})
}
