// Package web serves the snapshot and MJPEG stream HTTP surface.
package web

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"vigil/internal/config"
	"vigil/internal/ws"
)

const streamBoundary = "vigil_frame"

// basicAuthRealm is presented on 401 responses.
const basicAuthRealm = "MatrixPipeline"

type feedState struct {
	latest   []byte
	latestAt time.Time
}

type streamClient struct {
	device string
	ch     chan []byte
}

// Server holds the latest encoded snapshot per device and a list of MJPEG
// stream clients. Snapshot units push into it; HTTP handlers read out. With
// a single feed the device query parameter is optional.
type Server struct {
	log *zap.Logger
	cfg config.HTTPConfig
	hub *ws.Hub

	mu            sync.Mutex
	feeds         map[string]*feedState
	defaultDevice string

	clientsMu sync.Mutex
	clients   map[*streamClient]bool

	srv *http.Server
}

// NewServer builds the server; Start brings up the listener.
func NewServer(cfg config.HTTPConfig, hub *ws.Hub, log *zap.Logger) *Server {
	return &Server{
		log:     log.With(zap.String("component", "web")),
		cfg:     cfg,
		hub:     hub,
		feeds:   make(map[string]*feedState),
		clients: make(map[*streamClient]bool),
	}
}

// SetSnapshot swaps the device's current snapshot and broadcasts it to the
// device's stream clients. Slow clients skip frames rather than block.
func (s *Server) SetSnapshot(device string, jpeg []byte) {
	s.mu.Lock()
	if s.defaultDevice == "" {
		s.defaultDevice = device
	}
	st, ok := s.feeds[device]
	if !ok {
		st = &feedState{}
		s.feeds[device] = st
	}
	st.latest = jpeg
	st.latestAt = time.Now()
	s.mu.Unlock()

	s.clientsMu.Lock()
	for c := range s.clients {
		if c.device != device {
			continue
		}
		select {
		case c.ch <- jpeg:
		default:
		}
	}
	s.clientsMu.Unlock()
}

// Snapshot returns the device's current JPEG and its arrival time. An empty
// device selects the default feed.
func (s *Server) Snapshot(device string) ([]byte, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if device == "" {
		device = s.defaultDevice
	}
	st, ok := s.feeds[device]
	if !ok {
		return nil, time.Time{}
	}
	return st.latest, st.latestAt
}

func (s *Server) resolveDevice(r *http.Request) string {
	if d := r.URL.Query().Get("device"); d != "" {
		return d
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defaultDevice
}

// Handler assembles the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.withAuth(s.handleSnapshot))
	mux.HandleFunc("GET /stream", s.withAuth(s.handleStream))
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.hub != nil {
		mux.HandleFunc("GET /ws", s.withAuth(s.hub.ServeHTTP))
	}
	return mux
}

// Start brings up the listener in a background goroutine.
func (s *Server) Start() {
	addr := fmt.Sprintf("%s:%d", s.cfg.Interface, s.cfg.Port)
	s.srv = &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		var err error
		if s.cfg.UseHTTPS {
			err = s.srv.ListenAndServeTLS(s.cfg.CertPath, s.cfg.KeyPath)
		} else {
			err = s.srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.log.Error("http server failed", zap.Error(err))
		}
	}()
	s.log.Info("http service listening",
		zap.String("addr", addr), zap.Bool("https", s.cfg.UseHTTPS))
}

// Shutdown stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	jpeg, _ := s.Snapshot(r.URL.Query().Get("device"))
	if jpeg == nil {
		http.Error(w, "no frame available yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(jpeg)))
	w.Write(jpeg)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type",
		"multipart/x-mixed-replace; boundary="+streamBoundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := &streamClient{
		device: s.resolveDevice(r),
		ch:     make(chan []byte, 5),
	}
	s.clientsMu.Lock()
	s.clients[client] = true
	s.clientsMu.Unlock()
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, client)
		s.clientsMu.Unlock()
	}()

	s.log.Info("stream client connected",
		zap.String("remote", r.RemoteAddr), zap.String("device", client.device))
	for {
		select {
		case <-r.Context().Done():
			s.log.Info("stream client disconnected", zap.String("remote", r.RemoteAddr))
			return
		case jpeg := <-client.ch:
			fmt.Fprintf(w, "--%s\r\n", streamBoundary)
			fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
			fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(jpeg))
			if _, err := w.Write(jpeg); err != nil {
				return
			}
			fmt.Fprintf(w, "\r\n")
			flusher.Flush()
		}
	}
}

// withAuth enforces optional HTTP Basic credentials. Credentials are never
// logged. A bcrypt-hashed configured password is verified with bcrypt;
// anything else is compared in constant time.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	if s.cfg.Username == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || !s.credentialsValid(user, pass) {
			w.Header().Set("WWW-Authenticate",
				fmt.Sprintf("Basic realm=%q", basicAuthRealm))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) credentialsValid(user, pass string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.Username)) == 1
	var passOK bool
	if strings.HasPrefix(s.cfg.Password, "$2") {
		passOK = bcrypt.CompareHashAndPassword(
			[]byte(s.cfg.Password), []byte(pass)) == nil
	} else {
		passOK = subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Password)) == 1
	}
	return userOK && passOK
}
