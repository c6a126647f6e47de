package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"

	"github.com/piscreen/piscreen/internal/pscontent"
	"github.com/piscreen/piscreen/internal/psstore"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// The two reasons an authentication failure can surface. Nothing beyond this
// distinction leaks about why the check failed.
const (
	ReasonNoPassword      = "no password supplied"
	ReasonInvalidPassword = "invalid password"
)

const ReasonInternalError = "internal error; see the screen's log"

// Envelope is the uniform wire body for every mapped route. Application
// outcome rides in `status`, not the HTTP status code: the deployed fleet
// clients treat any non-200 response as a transport fault, so every
// well-formed request -- including authentication failures -- answers 200.
// Only unmapped paths get a transport-level 404.
type Envelope struct {
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Content any    `json:"content,omitempty"`
}

func successEnvelope(content any) *Envelope {
	return &Envelope{Status: StatusSuccess, Content: content}
}

func successReason(format string, a ...any) *Envelope {
	return &Envelope{Status: StatusSuccess, Reason: fmt.Sprintf(format, a...)}
}

func failureEnvelope(format string, a ...any) *Envelope {
	return &Envelope{Status: StatusFailure, Reason: fmt.Sprintf(format, a...)}
}

// Server is the control-plane HTTP handler: it authenticates fleet-manager
// requests and translates them into store operations. It holds one store
// and one shared secret, and keeps no other per-request state.
type Server struct {
	cacheDir   string
	certFile   string
	fs         afero.Fs
	httpServer *http.Server
	keyFile    string
	logger     *logrus.Logger
	password   string
	router     *mux.Router
	store      *psstore.Store
	timeNow    func() time.Time
}

func NewServer(logger *logrus.Logger, store *psstore.Store, fs afero.Fs, config *Config) *Server {
	server := &Server{
		cacheDir: config.CacheDir,
		certFile: config.CertFile,
		fs:       fs,
		keyFile:  config.KeyFile,
		logger:   logger,
		password: config.Password,
		store:    store,
		timeNow:  func() time.Time { return time.Now() },
	}

	router := mux.NewRouter()
	router.Use((&ContextContainerMiddleware{}).Wrapper)
	router.Use((&CanonicalLogLineMiddleware{logger: logger}).Wrapper)
	router.Use((&CORSMiddleware{}).Wrapper)
	router.Handle("/ping", server.wrapEndpoint(server.handlePing)).Methods(http.MethodGet)
	router.Handle("/display", server.wrapEndpoint(server.handleList)).Methods(http.MethodGet)
	router.Handle("/display", server.wrapEndpoint(server.handleCreate)).Methods(http.MethodPost)
	router.Handle("/display/{name}", server.wrapEndpoint(server.handleShow)).Methods(http.MethodGet)
	router.Handle("/display/{name}", server.wrapEndpoint(server.handleDelete)).Methods(http.MethodDelete)
	router.NotFoundHandler = (&ContextContainerMiddleware{}).Wrapper(http.HandlerFunc(server.handleNotFound))

	server.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: router,

		// Specified to prevent the "Slowloris" DOS attack, in which an attacker
		// sends many partial requests to exhaust a target server's connections.
		//
		// https://en.wikipedia.org/wiki/Slowloris_(computer_security)
		ReadHeaderTimeout: 5 * time.Second,

		// Bounds how long a stalled client can hold a connection open while
		// dribbling out a request body.
		ReadTimeout: 30 * time.Second,
	}
	server.router = router

	return server
}

// Start listens and serves until Stop is called. TLS is used when a
// certificate and key are configured, which is how the fleet runs; plain
// HTTP is for local testing.
func (s *Server) Start() error {
	s.logger.Infof("Listening on %s", s.httpServer.Addr)

	var err error
	if s.certFile != "" && s.keyFile != "" {
		err = s.httpServer.ListenAndServeTLS(s.certFile, s.keyFile)
	} else {
		err = s.httpServer.ListenAndServe()
	}

	if !errors.Is(err, http.ErrServerClosed) {
		return xerrors.Errorf("error listening on %s: %w", s.httpServer.Addr, err)
	}
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handlePing(ctx context.Context, r *http.Request) (*Envelope, error) {
	return &Envelope{Status: StatusSuccess}, nil
}

func (s *Server) handleList(ctx context.Context, r *http.Request) (*Envelope, error) {
	return successEnvelope(s.store.Metadata()), nil
}

func (s *Server) handleShow(ctx context.Context, r *http.Request) (*Envelope, error) {
	name := mux.Vars(r)["name"]

	item, ok := s.store.Get(name)
	if !ok {
		return failureEnvelope("no content object named '%s'", name), nil
	}
	return successEnvelope(item.Metadata()), nil
}

func (s *Server) handleDelete(ctx context.Context, r *http.Request) (*Envelope, error) {
	name := mux.Vars(r)["name"]

	if !s.store.Remove(name) {
		return failureEnvelope("no content object named '%s'", name), nil
	}
	return successReason("content item '%s' deleted", name), nil
}

func (s *Server) handleCreate(ctx context.Context, r *http.Request) (*Envelope, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, xerrors.Errorf("error reading request body: %w", err)
	}

	var spec pscontent.Spec
	if err := json.Unmarshal(body, &spec); err != nil {
		return failureEnvelope("could not decode content spec: %v", err), nil
	}

	// Construction is the single validation point. Nothing reaches the store
	// unless the whole spec checked out.
	item, err := pscontent.NewItem(s.fs, s.cacheDir, spec, s.timeNow())
	if err != nil {
		return failureEnvelope("%v", err), nil
	}

	s.store.Add(item)
	return successReason("Create item: %s", item), nil
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	ContextContainerFrom(r.Context()).StatusCode = http.StatusNotFound
	http.NotFound(w, r)
}

// wrapEndpoint adapts an envelope-returning handler to http.Handler,
// authenticating the request first and serializing the result. Internal
// errors also come back as failure envelopes so the wire contract holds.
func (s *Server) wrapEndpoint(h func(ctx context.Context, r *http.Request) (*Envelope, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		envelope, err := s.authenticate(r)
		if err == nil && envelope == nil {
			envelope, err = h(r.Context(), r)
		}
		if err != nil {
			s.logger.WithError(err).Errorf("Internal error handling %s %s", r.Method, r.URL.Path)
			envelope = failureEnvelope(ReasonInternalError)
		}

		body, err := json.Marshal(envelope)
		if err != nil {
			s.logger.WithError(err).Error("Error encoding response envelope")
			body = []byte(`{"status":"failure","reason":"` + ReasonInternalError + `"}`)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
		ContextContainerFrom(r.Context()).StatusCode = http.StatusOK
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	})
}

// authenticate checks the `password` query parameter against the shared
// secret. A failure envelope (not an error) comes back on a bad secret, so
// the response stays HTTP 200.
func (s *Server) authenticate(r *http.Request) (*Envelope, error) {
	password := r.URL.Query().Get("password")
	if password == "" {
		return failureEnvelope(ReasonNoPassword), nil
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(s.password)) != 1 {
		return failureEnvelope(ReasonInvalidPassword), nil
	}
	return nil, nil
}
