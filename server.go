package dispatch

import (
	"compress/flate"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/schema"
	"github.com/nyaruka/librato"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/waconsole/dispatch/events"
	"github.com/waconsole/dispatch/utils"
	validator "gopkg.in/go-playground/validator.v9"
)

// TemplateCatalog looks up the approved template catalog
type TemplateCatalog interface {
	Templates(ctx context.Context) ([]Template, error)
}

// TierLookup looks up the advisory messaging tier for display
type TierLookup interface {
	Tier(ctx context.Context) (TierInfo, error)
}

// LogStore reads the message log
type LogStore interface {
	Messages(ctx context.Context, filter LogFilter) ([]LogEntry, error)
	RecipientNumbers(ctx context.Context) ([]string, error)
}

// Server exposes the dispatch engine over HTTP to the console frontend
type Server struct {
	config *Config

	sender   Sender
	history  HistoryLookup
	catalog  TemplateCatalog
	tier     TierLookup
	logs     LogStore
	recorder OutcomeRecorder
	events   events.Client

	router     chi.Router
	httpServer *http.Server

	validate     *validator.Validate
	queryDecoder *schema.Decoder

	waitGroup *sync.WaitGroup
	stopChan  chan bool
	stopped   bool
}

// NewServer creates a new server for the passed in configuration and collaborators.
// The server will have to be started afterwards.
func NewServer(config *Config, sender Sender, history HistoryLookup, catalog TemplateCatalog, tier TierLookup, logs LogStore) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Compress(flate.DefaultCompression))
	router.Use(middleware.StripSlashes)
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	queryDecoder := schema.NewDecoder()
	queryDecoder.IgnoreUnknownKeys(true)

	s := &Server{
		config: config,

		sender:  sender,
		history: history,
		catalog: catalog,
		tier:    tier,
		logs:    logs,

		router:       router,
		validate:     validator.New(),
		queryDecoder: queryDecoder,

		waitGroup: &sync.WaitGroup{},
		stopChan:  make(chan bool),
	}

	router.Get("/", s.handleIndex)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	router.Group(func(r chi.Router) {
		r.Use(s.requireAPIToken)
		r.Post("/messages/send", s.handleSend)
		r.Get("/messages/log", s.handleLog)
		r.Get("/messages/recipients", s.handleRecipients)
		r.Get("/messages/tier", s.handleTier)
		r.Get("/templates", s.handleTemplates)
	})

	return s
}

// SetRecorder wires the outcome recorder used for dispatched batches
func (s *Server) SetRecorder(recorder OutcomeRecorder) {
	s.recorder = recorder
}

// SetEvents wires the outcome event publisher used for dispatched batches
func (s *Server) SetEvents(client events.Client) {
	s.events = client
}

// Router returns the routing table of the server, exposed for tests
func (s *Server) Router() chi.Router {
	return s.router
}

// WaitGroup returns the wait group tracking in-flight work
func (s *Server) WaitGroup() *sync.WaitGroup {
	return s.waitGroup
}

// Start starts the server listening for incoming requests, it returns an error
// if it encounters any unrecoverable problem
func (s *Server) Start() error {
	// set our user agent, needs to happen before anything so we don't have threading issues
	utils.HTTPUserAgent = fmt.Sprintf("Dispatch/%s", s.config.Version)

	// configure librato if we have configuration options for it
	host, _ := os.Hostname()
	if s.config.LibratoUsername != "" {
		librato.Configure(s.config.LibratoUsername, s.config.LibratoToken, host, time.Second, s.waitGroup)
		librato.Start()
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Address, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	s.waitGroup.Add(1)
	go func() {
		defer s.waitGroup.Done()

		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			logrus.WithField("comp", "server").WithField("state", "stopping").WithError(err).Error("http server error")
		}
	}()

	logrus.WithFields(logrus.Fields{
		"comp":    "server",
		"port":    s.config.Port,
		"version": s.config.Version,
		"state":   "started",
	}).Info("server listening on ", s.config.Port)

	return nil
}

// Stop stops the server, draining in-flight requests
func (s *Server) Stop() error {
	log := logrus.WithField("comp", "server")
	log.WithField("state", "stopping").Info("stopping server")

	s.stopped = true
	close(s.stopChan)

	if s.config.LibratoUsername != "" {
		librato.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "error shutting down http server")
	}

	s.waitGroup.Wait()
	log.WithField("state", "stopped").Info("server stopped")
	return nil
}

// requireAPIToken gates the messaging routes behind the configured opaque
// bearer token, the engine never reads ambient credential state
func (s *Server) requireAPIToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIToken != "" {
			auth := r.Header.Get("Authorization")
			if auth != fmt.Sprintf("Bearer %s", s.config.APIToken) {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing API token"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type sendMsgPayload struct {
	To         []string          `json:"to"       validate:"required,min=1"`
	Type       string            `json:"type"     validate:"required,eq=text|eq=template"`
	Text       string            `json:"text"`
	Name       string            `json:"name"`
	Language   string            `json:"language"`
	Parameters map[string]string `json:"parameters"`
}

type sendMsgResponse struct {
	ID      string            `json:"id"`
	Class   BatchClass        `json:"class"`
	Sent    int               `json:"sent"`
	Failed  int               `json:"failed"`
	Results []RecipientResult `json:"results"`
	Errors  []RecipientResult `json:"errors"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	payload := &sendMsgPayload{}
	if err := json.NewDecoder(r.Body).Decode(payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unable to parse request body"})
		return
	}
	if err := s.validate.Struct(payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	registry := NewRegistry()
	added := registry.AddFromText(strings.Join(payload.To, ","))
	if len(added.Invalid) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":   "invalid recipients, phone numbers must be 10 to 15 digits",
			"invalid": added.Invalid,
		})
		return
	}

	orchestrator := NewOrchestrator(registry, s.history, s.sender)
	orchestrator.SetRecorder(s.recorder)
	orchestrator.SetEvents(s.events)

	if payload.Type == string(MsgTypeTemplate) {
		template, err := s.findTemplate(r.Context(), payload.Name, payload.Language)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		orchestrator.SelectTemplate(template)
		for key, value := range payload.Parameters {
			index, err := strconv.Atoi(key)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid parameter index: %s", key)})
				return
			}
			orchestrator.SetBinding(index, value)
		}
	} else {
		orchestrator.ComposeText(payload.Text)
	}

	report, err := orchestrator.Send(r.Context())
	if err != nil {
		s.writeRejection(w, err)
		return
	}

	successes := make([]RecipientResult, 0, report.Sent)
	for _, result := range report.Results {
		if result.Outcome == OutcomeSent {
			successes = append(successes, result)
		}
	}

	statusCode := http.StatusOK
	switch report.Class {
	case BatchPartialSuccess:
		statusCode = http.StatusMultiStatus
	case BatchTotalFailure:
		statusCode = http.StatusBadGateway
	}

	writeJSON(w, statusCode, &sendMsgResponse{
		ID:      report.ID.String(),
		Class:   report.Class,
		Sent:    report.Sent,
		Failed:  report.Failed,
		Results: successes,
		Errors:  report.Failures(),
	})
}

// writeRejection maps a validation rejection to a response naming the offending
// recipients or parameters, never a bare generic failure
func (s *Server) writeRejection(w http.ResponseWriter, err error) {
	switch typed := err.(type) {
	case *EligibilityError:
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"error":      typed.Error(),
			"partial":    typed.Partial,
			"ineligible": typed.Ineligible,
		})
	case *IncompleteBindingsError:
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":   typed.Error(),
			"missing": typed.Missing,
		})
	default:
		status := http.StatusBadRequest
		if err == ErrSendInProgress {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
	}
}

func (s *Server) findTemplate(ctx context.Context, name string, language string) (*Template, error) {
	if name == "" {
		return nil, ErrNoTemplate
	}
	templates, err := s.catalog.Templates(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "error fetching template catalog")
	}
	for i := range templates {
		if templates[i].Name == name && (language == "" || templates[i].Language == language) {
			return &templates[i], nil
		}
	}
	return nil, errors.Errorf("no approved template named: %s", name)
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.catalog.Templates(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"templates": templates})
}

func (s *Server) handleTier(w http.ResponseWriter, r *http.Request) {
	tier, err := s.tier.Tier(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, tier)
}

func (s *Server) handleRecipients(w http.ResponseWriter, r *http.Request) {
	numbers, err := s.logs.RecipientNumbers(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"registered_numbers": numbers})
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	filter := LogFilter{}
	if err := s.queryDecoder.Decode(&filter, r.URL.Query()); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unable to parse query parameters"})
		return
	}

	entries, err := s.logs.Messages(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": entries})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "dispatch",
		"version": s.config.Version,
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		logrus.WithField("comp", "server").WithError(err).Error("error writing response")
	}
}
