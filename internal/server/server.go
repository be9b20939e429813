// Package server wires the admin/control-plane HTTP API: gorilla/mux
// route registration grouped by resource (the teacher codebase's
// registerXxxRoutes convention), JSON request/response handling, and
// a single error-mapping helper translating internal/apperr codes
// into the HTTP status taxonomy the spec defines.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"telemetry-core/internal/apperr"
	"telemetry-core/internal/authn"
	"telemetry-core/internal/eventbus"
	"telemetry-core/internal/ingest"
	"telemetry-core/internal/models"
	"telemetry-core/internal/profilecache"
	"telemetry-core/internal/repository"
)

type Server struct {
	router   *mux.Router
	ingest   *ingest.Service
	profiles *repository.ProfileStore
	sensors  *repository.SensorStore
	backfillTasks *repository.BackfillStore
	sessions *repository.SessionStore
	webhooks *repository.WebhookStore
	auth     *authn.Authenticator
	bus      *eventbus.Bus
	profileCache *profilecache.Cache
	log      *logrus.Entry
}

func New(ingestSvc *ingest.Service, profiles *repository.ProfileStore, sensors *repository.SensorStore, backfillTasks *repository.BackfillStore, sessions *repository.SessionStore, webhooks *repository.WebhookStore, auth *authn.Authenticator, bus *eventbus.Bus, profileCache *profilecache.Cache, log *logrus.Entry) *Server {
	s := &Server{
		router: mux.NewRouter(), ingest: ingestSvc, profiles: profiles, sensors: sensors,
		backfillTasks: backfillTasks, sessions: sessions, webhooks: webhooks, auth: auth, bus: bus,
		profileCache: profileCache, log: log,
	}
	s.registerHealthRoutes()
	s.registerIngestRoutes()
	s.registerProfileRoutes()
	s.registerBackfillRoutes()
	s.registerSessionRoutes()
	s.registerWebhookRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// publish emits a domain event for the webhook/event-emitter pipeline.
// It is a no-op when the server was built without a bus, which keeps
// the lightweight handler-level tests free of eventbus setup.
func (s *Server) publish(eventType, projectID string, payload interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventType, ProjectID: projectID, OccurredAt: time.Now(), Payload: payload})
}

func (s *Server) registerHealthRoutes() {
	s.router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
}

func (s *Server) registerIngestRoutes() {
	s.router.HandleFunc("/api/v1/telemetry", s.handleIngest).Methods(http.MethodPost)
}

type ingestReadingPayload struct {
	Timestamp string          `json:"timestamp"`
	Signal    string          `json:"signal"`
	RawValue  float64         `json:"raw_value"`
	Meta      json.RawMessage `json:"meta,omitempty"`
}

type ingestRequest struct {
	SensorID         string                 `json:"sensor_id"`
	RunID            string                 `json:"run_id,omitempty"`
	CaptureSessionID string                 `json:"capture_session_id,omitempty"`
	Meta             json.RawMessage        `json:"meta,omitempty"`
	Readings         []ingestReadingPayload `json:"readings"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, apperr.New(apperr.Unauthorized, "missing bearer token"))
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "malformed request body", err))
		return
	}

	readings := make([]ingest.Reading, len(req.Readings))
	for i, rd := range req.Readings {
		ts, err := parseTimestamp(rd.Timestamp)
		if err != nil {
			writeError(w, apperr.Wrap(apperr.Validation, "malformed reading timestamp", err))
			return
		}
		readings[i] = ingest.Reading{Timestamp: ts, Signal: rd.Signal, RawValue: rd.RawValue, Meta: rd.Meta}
	}

	result, err := s.ingest.Ingest(r.Context(), token, ingest.Batch{
		SensorID: req.SensorID, RunID: req.RunID, CaptureSessionID: req.CaptureSessionID,
		Meta: req.Meta, Readings: readings,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"accepted": result.Accepted})
}

func (s *Server) registerProfileRoutes() {
	s.router.HandleFunc("/api/v1/sensors/{sensorID}/profiles", s.requireAuth(s.handleCreateProfile)).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/profiles/{profileID}/publish", s.requireAuth(s.handlePublishProfile)).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/sensors/{sensorID}/profiles", s.requireAuth(s.handleListProfiles)).Methods(http.MethodGet)
}

type createProfileRequest struct {
	Kind    models.ProfileKind `json:"kind"`
	Payload json.RawMessage    `json:"payload"`
}

func (s *Server) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	sensorID := mux.Vars(r)["sensorID"]
	sensor, err := s.sensors.GetByID(r.Context(), sensorID)
	if err != nil {
		writeError(w, err)
		return
	}
	claims, _ := authn.FromContext(r.Context())
	if err := authn.RequireProject(claims, sensor.ProjectID); err != nil {
		writeError(w, err)
		return
	}

	var req createProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "malformed request body", err))
		return
	}

	version, err := s.profiles.NextVersion(r.Context(), sensorID)
	if err != nil {
		writeError(w, err)
		return
	}
	profile, err := s.profiles.CreateDraft(r.Context(), sensorID, version, req.Kind, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, profile)
}

func (s *Server) handlePublishProfile(w http.ResponseWriter, r *http.Request) {
	profileID := mux.Vars(r)["profileID"]
	profile, err := s.profiles.Publish(r.Context(), profileID)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.profileCache != nil {
		s.profileCache.Invalidate(profile.SensorID)
	}
	sensor, err := s.sensors.GetByID(r.Context(), profile.SensorID)
	if err == nil {
		s.publish("profile.published", sensor.ProjectID, profile)
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	sensorID := mux.Vars(r)["sensorID"]
	profiles, err := s.profiles.ListBySensor(r.Context(), sensorID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profiles)
}

func (s *Server) registerBackfillRoutes() {
	s.router.HandleFunc("/api/v1/sensors/{sensorID}/backfill-tasks", s.requireAuth(s.handleCreateBackfillTask)).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/backfill-tasks/{taskID}", s.requireAuth(s.handleGetBackfillTask)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/backfill-tasks/{taskID}/reset", s.requireAuth(s.handleResetBackfillTask)).Methods(http.MethodPost)
}

type createBackfillTaskRequest struct {
	ProjectID           string `json:"project_id"`
	ConversionProfileID string `json:"conversion_profile_id"`
}

func (s *Server) handleCreateBackfillTask(w http.ResponseWriter, r *http.Request) {
	sensorID := mux.Vars(r)["sensorID"]
	var req createBackfillTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "malformed request body", err))
		return
	}
	task, err := s.backfillTasks.Create(r.Context(), sensorID, req.ProjectID, req.ConversionProfileID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetBackfillTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.backfillTasks.Get(r.Context(), mux.Vars(r)["taskID"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleResetBackfillTask is the explicit operator recovery endpoint
// for a task stuck "running" after a worker crash: the spec treats
// this as a manual action, never an automatic sweep.
func (s *Server) handleResetBackfillTask(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskID"]
	if err := s.backfillTasks.Reset(r.Context(), taskID); err != nil {
		writeError(w, err)
		return
	}
	task, err := s.backfillTasks.Get(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) registerSessionRoutes() {
	s.router.HandleFunc("/api/v1/capture-sessions", s.requireAuth(s.handleCreateSession)).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/capture-sessions/{sessionID}", s.requireAuth(s.handleGetSession)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/capture-sessions/{sessionID}/transitions", s.requireAuth(s.handleTransitionSession)).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/capture-sessions/{sessionID}/events", s.requireAuth(s.handleListSessionEvents)).Methods(http.MethodGet)
}

type createSessionRequest struct {
	RunID         string `json:"run_id"`
	ProjectID     string `json:"project_id"`
	OrdinalNumber int    `json:"ordinal_number"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	claims, _ := authn.FromContext(r.Context())
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "malformed request body", err))
		return
	}
	if err := authn.RequireProject(claims, req.ProjectID); err != nil {
		writeError(w, err)
		return
	}
	session, err := s.sessions.Create(r.Context(), req.RunID, req.ProjectID, req.OrdinalNumber, claims.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publish("capture_session.created", session.ProjectID, session)
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.Get(r.Context(), mux.Vars(r)["sessionID"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

type transitionSessionRequest struct {
	Status  models.CaptureSessionStatus `json:"status"`
	Payload json.RawMessage             `json:"payload,omitempty"`
}

func (s *Server) handleTransitionSession(w http.ResponseWriter, r *http.Request) {
	claims, _ := authn.FromContext(r.Context())
	var req transitionSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "malformed request body", err))
		return
	}
	session, err := s.sessions.TransitionStatus(r.Context(), mux.Vars(r)["sessionID"], req.Status, claims.UserID, "owner", req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	if session.Status.IsTerminal() {
		s.publish("capture_session.stopped", session.ProjectID, session)
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleListSessionEvents(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	events, total, err := s.sessions.ListEvents(r.Context(), mux.Vars(r)["sessionID"], limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "total": total})
}

func (s *Server) registerWebhookRoutes() {
	s.router.HandleFunc("/api/v1/webhook-subscriptions", s.requireAuth(s.handleCreateSubscription)).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/webhook-subscriptions/{subID}", s.requireAuth(s.handleGetSubscription)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/webhook-subscriptions/{subID}/deactivate", s.requireAuth(s.handleDeactivateSubscription)).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/webhook-subscriptions/{subID}/deliveries", s.requireAuth(s.handleListDeliveries)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/webhook-deliveries/{deliveryID}/retry", s.requireAuth(s.handleRetryDelivery)).Methods(http.MethodPost)
}

type createSubscriptionRequest struct {
	ProjectID  string   `json:"project_id"`
	TargetURL  string   `json:"target_url"`
	EventTypes []string `json:"event_types"`
	Secret     string   `json:"secret,omitempty"`
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	claims, _ := authn.FromContext(r.Context())
	var req createSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "malformed request body", err))
		return
	}
	if err := authn.RequireProject(claims, req.ProjectID); err != nil {
		writeError(w, err)
		return
	}
	sub, err := s.webhooks.CreateSubscription(r.Context(), req.ProjectID, req.TargetURL, req.EventTypes, req.Secret)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publish("webhook_subscription.created", sub.ProjectID, sub)
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.webhooks.GetSubscription(r.Context(), mux.Vars(r)["subID"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleDeactivateSubscription(w http.ResponseWriter, r *http.Request) {
	if err := s.webhooks.SetSubscriptionActive(r.Context(), mux.Vars(r)["subID"], false); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	deliveries, total, err := s.webhooks.ListDeliveries(r.Context(), mux.Vars(r)["subID"], limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deliveries": deliveries, "total": total})
}

func (s *Server) handleRetryDelivery(w http.ResponseWriter, r *http.Request) {
	if err := s.webhooks.Retry(r.Context(), mux.Vars(r)["deliveryID"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.auth.Authenticate(r)
		if err != nil {
			writeError(w, err)
			return
		}
		r = r.WithContext(authn.NewContext(r.Context(), claims))
		next(w, r)
	}
}
