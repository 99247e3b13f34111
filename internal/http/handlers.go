package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fcartres/proyectofinal-sub001/internal/allocator"
	"github.com/fcartres/proyectofinal-sub001/internal/apperr"
	"github.com/fcartres/proyectofinal-sub001/internal/auth"
	"github.com/fcartres/proyectofinal-sub001/internal/enrollment"
	"github.com/fcartres/proyectofinal-sub001/internal/events"
	"github.com/fcartres/proyectofinal-sub001/internal/logging"
	"github.com/fcartres/proyectofinal-sub001/internal/models"
	"github.com/fcartres/proyectofinal-sub001/internal/payments"
	"github.com/fcartres/proyectofinal-sub001/internal/rating"
	"github.com/fcartres/proyectofinal-sub001/internal/reconcile"
)

const maxBodyBytes = 1 << 20

// Deps are the components the API exposes. Limiter and Health are optional.
// With a WebhookSecret set, payment webhooks must carry a valid Stripe signature.
type Deps struct {
	Allocator  *allocator.Allocator
	Enrollment *enrollment.Service
	Reconciler *reconcile.Processor
	Ratings    *rating.Aggregator
	Hub        *events.Hub
	Verifier   *auth.Verifier
	Limiter    *RateLimiter
	Health     func(ctx context.Context) error
	Logger     *slog.Logger

	WebhookSecret string
}

type Server struct {
	Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Deps: d, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/webhooks/pagos", s.handlePaymentWebhook).Methods("POST")
	s.mux.Handle("/ws", s.authMiddleware(http.HandlerFunc(s.handleWS))).Methods("GET")

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware, s.rateLimitMiddleware)
	api.HandleFunc("/solicitudes", s.withRole(s.handleCreateRequest, models.RoleParent)).Methods("POST")
	api.HandleFunc("/solicitudes/{id:[0-9]+}/resolver", s.withRole(s.handleResolveRequest, models.RoleDriver)).Methods("POST")
	api.HandleFunc("/solicitudes/{id:[0-9]+}/cancelar", s.withRole(s.handleCancelRequest, models.RoleParent)).Methods("POST")
	api.HandleFunc("/solicitudes/{id:[0-9]+}/checkout", s.withRole(s.handleCheckout, models.RoleParent)).Methods("POST")
	api.HandleFunc("/servicios/{id:[0-9]+}", s.withRole(s.handlePatchService, models.RoleDriver)).Methods("PATCH")
	api.HandleFunc("/evaluaciones", s.withRole(s.handleSubmitEvaluation, models.RoleParent, models.RoleDriver)).Methods("POST")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type identityHandler func(w http.ResponseWriter, r *http.Request, id auth.Identity)

func (s *Server) withRole(h identityHandler, roles ...models.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := auth.Require(r.Context(), roles...)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		h(w, r, id)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Health != nil {
		if err := s.Health(r.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var in enrollment.NewRequest
	if !s.decode(w, r, &in) {
		return
	}
	req, err := s.Enrollment.CreateRequest(r.Context(), id.UserID, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

type resolveBody struct {
	Decision models.Decision `json:"decision"`
	Note     string          `json:"nota"`
}

func (s *Server) handleResolveRequest(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	requestID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var body resolveBody
	if !s.decode(w, r, &body) {
		return
	}
	res, err := s.Allocator.ResolveRequest(r.Context(), requestID, id.UserID, body.Decision, body.Note)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	requestID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	req, err := s.Enrollment.CancelRequest(r.Context(), requestID, id.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type checkoutBody struct {
	Email string `json:"email"`
	// Month is the billing month to settle as YYYY-MM; empty means current.
	Month string `json:"mes"`
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	requestID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var body checkoutBody
	if r.ContentLength != 0 && !s.decode(w, r, &body) {
		return
	}
	if body.Email == "" {
		body.Email = id.Email
	}
	var month time.Time
	if body.Month != "" {
		var err error
		if month, err = time.Parse("2006-01", body.Month); err != nil {
			s.writeError(w, r, apperr.E(apperr.Invalid, "httpapi.checkout", "mes must be YYYY-MM"))
			return
		}
	}
	res, err := s.Enrollment.CreateCheckout(r.Context(), requestID, id.UserID, body.Email, month)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handlePatchService(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	serviceID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var patch models.ServicePatch
	if !s.decode(w, r, &patch) {
		return
	}
	svc, err := s.Allocator.UpdateService(r.Context(), serviceID, id.UserID, patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (s *Server) handleSubmitEvaluation(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var in rating.Input
	if !s.decode(w, r, &in) {
		return
	}
	in.EvaluatorID = id.UserID
	ev, err := s.Ratings.Submit(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.Invalid, "httpapi.webhook", err))
		return
	}
	n := parseNotification(r, body)
	if s.WebhookSecret != "" {
		topic, id, err := payments.VerifyStripeEvent(body, r.Header.Get(payments.SignatureHeader), s.WebhookSecret)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		n.Topic, n.ID = topic, id
	}
	out, err := s.Reconciler.HandleNotification(r.Context(), n)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(out)})
}

var upgrader = websocket.Upgrader{}

// handleWS streams the caller's events until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, err := auth.Require(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		return
	}
	unregister := s.Hub.Add(id.UserID, conn)
	defer unregister()
	conn.SetReadLimit(512)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, r, apperr.E(apperr.Invalid, "httpapi.pathID", "invalid id"))
		return 0, false
	}
	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		s.writeError(w, r, apperr.E(apperr.Invalid, "httpapi.decode", "invalid JSON body"))
		return false
	}
	return true
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeError renders err as {"error": kind, "message": msg}. Internal faults
// are logged with full detail and answered with an opaque message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	log := logging.FromContext(r.Context(), s.logger)
	switch {
	case kind == apperr.Internal && errors.Is(err, context.Canceled):
		log.Info("request cancelled", "error", err)
	case kind == apperr.Internal || kind == apperr.GatewayError:
		log.Error("request failed", "kind", kind.String(), "error", err)
	default:
		log.Debug("request refused", "kind", kind.String(), "error", err)
	}
	writeJSON(w, kind.HTTPStatus(), errorBody{Error: kind.String(), Message: apperr.Message(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
