// Package status serves latest reading over HTTP and optionally advertises itself with mDNS.
package status

import (
	"context"
	"encoding/json"
	"expvar"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/enbility/zeroconf/v3"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/temoto/roomrelay/log2"
	"github.com/temoto/roomrelay/relay"
)

const (
	ServiceType = "_roomrelay._tcp"
	Domain      = "local."
)

type Reader interface {
	Snapshot() (relay.Snapshot, bool)
	ReadFormatted() (string, bool)
}

type Health interface {
	Connected() bool
}

type Server struct {
	log    *log2.Log
	router *mux.Router
	srv    *http.Server
	ln     net.Listener
	mdns   *zeroconf.Server
}

// NewRouter does not wrap logging and recovery, see Handler().
// health may be nil.
func NewRouter(store Reader, health Health) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/reading", readingHandler(store)).Methods("GET")
	r.HandleFunc("/reading.txt", readingTextHandler(store)).Methods("GET")
	r.HandleFunc("/healthz", healthHandler(health)).Methods("GET")
	r.Handle("/debug/vars", expvar.Handler()).Methods("GET")
	return r
}

func NewServer(store Reader, health Health, log *log2.Log) *Server {
	return &Server{
		log:    log,
		router: NewRouter(store, health),
	}
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = handlers.RecoveryHandler(
		handlers.RecoveryLogger(s.log),
		handlers.PrintRecoveryStack(true),
	)(h)
	h = handlers.LoggingHandler(log2.FuncWriter{FmtFunc: s.log.Debugf}, h)
	return h
}

// Start listens and serves in background.
func (s *Server) Start(listen string) error {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return errors.Annotatef(err, "status listen=%s", listen)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("status serve err=%v", err)
		}
	}()
	s.log.Infof("status listening on %s", ln.Addr().String())
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Advertise registers mDNS service for listening port.
func (s *Server) Advertise(instance string) error {
	addr, ok := s.Addr().(*net.TCPAddr)
	if !ok {
		return errors.NotValidf("status advertise before Start")
	}
	txt := []string{"path=/reading", "format=json"}
	server, err := zeroconf.Register(instance, ServiceType, Domain, addr.Port, txt, nil)
	if err != nil {
		return errors.Annotate(err, "status mdns register")
	}
	s.mdns = server
	s.log.Infof("status mdns instance=%s service=%s port=%d", instance, ServiceType, addr.Port)
	return nil
}

func (s *Server) Close(ctx context.Context) error {
	if s.mdns != nil {
		s.mdns.Shutdown()
		s.mdns = nil
	}
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func readingHandler(store Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, ok := store.Snapshot()
		if !ok {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		if snap.Formatted == "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	}
}

func readingTextHandler(store Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := store.ReadFormatted()
		if !ok {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		if s == "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(len(s)+1))
		_, _ = w.Write([]byte(s + "\n"))
	}
}

func healthHandler(health Health) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if health != nil && !health.Connected() {
			http.Error(w, "disconnected", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	}
}
