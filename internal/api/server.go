// Package api serves the provider webhook and the operator endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"meeting-transcript-pipeline/internal/config"
	"meeting-transcript-pipeline/internal/intake"
	"meeting-transcript-pipeline/internal/logging"
	"meeting-transcript-pipeline/internal/models"
	"meeting-transcript-pipeline/internal/queue"
	"meeting-transcript-pipeline/internal/store"
	"meeting-transcript-pipeline/internal/telemetry"
	"meeting-transcript-pipeline/internal/vault"
	"meeting-transcript-pipeline/internal/webhook"
)

// Provider webhook headers.
const (
	HeaderSignature = "X-Zm-Signature"
	HeaderTimestamp = "X-Zm-Request-Timestamp"
)

const maxWebhookBody = 1 << 20

// SecretSource resolves a tenant's webhook secret.
type SecretSource interface {
	WebhookSecret(ctx context.Context, tenantID string) (string, error)
}

// QueueAdmin is the queue surface exposed to operators.
type QueueAdmin interface {
	GetJob(ctx context.Context, topic, id string) (models.Job, error)
	Counts(ctx context.Context, topic string) (models.QueueCounts, error)
	RetryFailed(ctx context.Context, topic string) (int, error)
	Clean(ctx context.Context, topic, status string) (int, error)
}

// Limiter admits or rejects one request for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Deliveries is the delivery state exposed to operators.
type Deliveries interface {
	ListDeliveryLogs(ctx context.Context, transcriptID string) ([]models.DistributionLogEntry, error)
	GetDeliveryPreference(ctx context.Context, tenantID, hostEmail string) (models.DeliveryPreference, error)
	SetDeliveryPreference(ctx context.Context, pref models.DeliveryPreference) error
}

// Server wires HTTP handlers for intake and operations.
type Server struct {
	enq        intake.Enqueuer
	secrets    SecretSource
	queue      QueueAdmin
	deliveries Deliveries
	limiter    Limiter
	verifier   webhook.Verifier
	log        logging.Logger
	validate   *validator.Validate
}

// Deps are the collaborators of a Server. Limiter and Deliveries may be nil.
type Deps struct {
	Enqueuer   intake.Enqueuer
	Secrets    SecretSource
	Queue      QueueAdmin
	Deliveries Deliveries
	Limiter    Limiter
	Verifier   webhook.Verifier
	Log        logging.Logger
}

// New constructs the API server.
func New(d Deps) *Server {
	if d.Log == nil {
		d.Log = logging.NewNopLogger()
	}
	return &Server{
		enq:        d.Enqueuer,
		secrets:    d.Secrets,
		queue:      d.Queue,
		deliveries: d.Deliveries,
		limiter:    d.Limiter,
		verifier:   d.Verifier,
		log:        d.Log,
		validate:   validator.New(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/webhooks/zoom/{tenantID}", s.handleWebhook)

	r.Route("/queues/{topic}", func(r chi.Router) {
		r.Use(knownTopic)
		r.Get("/", s.handleCounts)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/retry-failed", s.handleRetryFailed)
		r.Post("/clean", s.handleClean)
	})

	if s.deliveries != nil {
		r.Get("/transcripts/{id}/deliveries", s.handleDeliveries)
		r.Put("/tenants/{tenantID}/preferences", s.handleSetPreference)
		r.Get("/tenants/{tenantID}/preferences/{hostEmail}", s.handleGetPreference)
	}
	return r
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenantID")
	log := s.log.With(logging.F("tenant_id", tenant))

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), "webhook:"+tenant)
		if err != nil {
			log.Error("rate limiter failed", logging.Err(err))
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}

	secret, err := s.secrets.WebhookSecret(r.Context(), tenant)
	if errors.Is(err, vault.ErrNoCredentials) {
		telemetry.WebhooksReceived.WithLabelValues("unknown", "unknown_tenant").Inc()
		http.Error(w, "unknown tenant", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error("load webhook secret", logging.Err(err))
		http.Error(w, "credential lookup failed", http.StatusInternalServerError)
		return
	}

	if err := s.verifier.Check(secret, r.Header.Get(HeaderTimestamp), body, r.Header.Get(HeaderSignature)); err != nil {
		telemetry.WebhooksReceived.WithLabelValues("unknown", "bad_signature").Inc()
		log.Warn("webhook rejected", logging.Err(err))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	ev, err := webhook.ParseEvent(body)
	if err != nil {
		telemetry.WebhooksReceived.WithLabelValues("unknown", "invalid").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if ev.Name == webhook.EventURLValidation {
		telemetry.WebhooksReceived.WithLabelValues(ev.Name, "answered").Inc()
		writeJSON(w, http.StatusOK, map[string]string{
			"plainToken":     ev.Payload.PlainToken,
			"encryptedToken": webhook.ChallengeResponse(secret, ev.Payload.PlainToken),
		})
		return
	}

	out, err := intake.Accept(r.Context(), s.enq, tenant, ev)
	switch {
	case errors.Is(err, intake.ErrInvalidEvent):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		log.Error("enqueue transcript job", logging.Err(err), logging.F("event", ev.Name))
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	if !out.Ignored {
		log.Info("recording notification accepted", logging.F("job_id", out.JobID), logging.F("created", out.Created))
	}
	writeJSON(w, http.StatusAccepted, out)
}

func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.queue.Counts(r.Context(), chi.URLParam(r, "topic"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.GetJob(r.Context(), chi.URLParam(r, "topic"), chi.URLParam(r, "id"))
	if errors.Is(err, queue.ErrJobNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	n, err := s.queue.RetryFailed(r.Context(), topic)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.log.Info("failed jobs requeued", logging.F("topic", topic), logging.F("count", n))
	writeJSON(w, http.StatusOK, map[string]any{"topic": topic, "retried": n})
}

func (s *Server) handleClean(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	status := r.URL.Query().Get("status")
	switch status {
	case models.StatusWaiting, models.StatusDelayed, models.StatusCompleted, models.StatusFailed:
	default:
		http.Error(w, "status must be one of waiting, delayed, completed, failed", http.StatusBadRequest)
		return
	}
	n, err := s.queue.Clean(r.Context(), topic, status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.log.Info("jobs cleaned", logging.F("topic", topic), logging.F("status", status), logging.F("count", n))
	writeJSON(w, http.StatusOK, map[string]any{"topic": topic, "status": status, "removed": n})
}

func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	logs, err := s.deliveries.ListDeliveryLogs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": logs})
}

type preferenceRequest struct {
	HostEmail string `json:"hostEmail" validate:"required,email"`
	Mode      string `json:"mode" validate:"required,oneof=host_only all_participants"`
}

func (s *Server) handleSetPreference(w http.ResponseWriter, r *http.Request) {
	var req preferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	pref := models.DeliveryPreference{
		TenantID:  chi.URLParam(r, "tenantID"),
		HostEmail: strings.ToLower(req.HostEmail),
		Mode:      req.Mode,
	}
	if err := s.deliveries.SetDeliveryPreference(r.Context(), pref); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, pref)
}

func (s *Server) handleGetPreference(w http.ResponseWriter, r *http.Request) {
	pref, err := s.deliveries.GetDeliveryPreference(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "hostEmail"))
	if errors.Is(err, store.ErrNotFound) {
		// hosts without a row get everyone
		writeJSON(w, http.StatusOK, models.DeliveryPreference{
			TenantID:  chi.URLParam(r, "tenantID"),
			HostEmail: strings.ToLower(chi.URLParam(r, "hostEmail")),
			Mode:      models.ModeAllParticipants,
		})
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, pref)
}

func knownTopic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		topic := chi.URLParam(r, "topic")
		for _, t := range config.Topics {
			if t == topic {
				next.ServeHTTP(w, r)
				return
			}
		}
		http.Error(w, "unknown topic", http.StatusNotFound)
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
