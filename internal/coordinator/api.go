package coordinator

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"expo/internal/broker"
	"expo/internal/logger"
	"expo/internal/registry"
)

// APIServer exposes the coordinator's REST surface: dispatching
// operations and querying circuits, latency, connections and alerts.
type APIServer struct {
	store           *Store
	dispatcher      *broker.Dispatcher
	registry        *registry.Registry
	server          *http.Server
	jwtService      *JWTService
	passwordService *PasswordService
	authMiddleware  *AuthMiddleware
	log             zerolog.Logger
}

// NewAPIServer creates a new API server
func NewAPIServer(store *Store, dispatcher *broker.Dispatcher, reg *registry.Registry, config *Config) *APIServer {
	jwtService := NewJWTService(config.Security.JWT.SecretKey, config.Security.JWT.Issuer, config.Security.JWT.ExpiryHours)
	passwordService := NewPasswordService()
	authMiddleware := NewAuthMiddleware(jwtService, store)

	return &APIServer{
		store:           store,
		dispatcher:      dispatcher,
		registry:        reg,
		jwtService:      jwtService,
		passwordService: passwordService,
		authMiddleware:  authMiddleware,
		log:             logger.Component("api"),
	}
}

// Start starts the HTTP API server
func (api *APIServer) Start(address string) error {
	router := mux.NewRouter()

	router.Use(api.loggingMiddleware)
	router.Use(api.corsMiddleware)

	apiRouter := router.PathPrefix("/api/v1").Subrouter()

	// Dispatch
	apiRouter.Handle("/dispatch", api.authMiddleware.RequireAuth(http.HandlerFunc(api.handleDispatch))).Methods("POST")

	// Reliability state
	apiRouter.HandleFunc("/circuits", api.handleListCircuits).Methods("GET")
	apiRouter.HandleFunc("/circuits/{target_id}", api.handleGetCircuit).Methods("GET")
	apiRouter.Handle("/circuits/{target_id}/reset", api.authMiddleware.RequireAuth(http.HandlerFunc(api.handleResetCircuit))).Methods("POST")
	apiRouter.HandleFunc("/latency", api.handleLatency).Methods("GET")

	// Connections and alerts
	apiRouter.HandleFunc("/connections", api.handleConnections).Methods("GET")
	apiRouter.HandleFunc("/connections/{device_id}", api.handleGetConnection).Methods("GET")
	apiRouter.HandleFunc("/agents", api.handleAgents).Methods("GET")
	apiRouter.HandleFunc("/alerts", api.handleAlerts).Methods("GET")
	apiRouter.HandleFunc("/dispatches", api.handleDispatchAudit).Methods("GET")

	// Authentication
	apiRouter.HandleFunc("/auth/login", api.handleLogin).Methods("POST")

	// Health check
	apiRouter.HandleFunc("/health", api.handleHealth).Methods("GET")

	api.server = &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 150 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	api.log.Info().
		Str("address", address).
		Msg("Starting API server")

	return api.server.ListenAndServe()
}

// Stop stops the API server
func (api *APIServer) Stop() error {
	if api.server != nil {
		return api.server.Close()
	}
	return nil
}

// Middleware
func (api *APIServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		api.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("API request")
	})
}

func (api *APIServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Response helpers
func (api *APIServer) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (api *APIServer) sendError(w http.ResponseWriter, status int, message string) {
	api.sendJSON(w, status, map[string]interface{}{
		"error":     true,
		"message":   message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Dispatch

type dispatchRequest struct {
	TargetID       string          `json:"target_id"`
	OperationType  string          `json:"operation_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

func (api *APIServer) handleDispatch(w http.ResponseWriter, r *http.Request) {
	user, ok := GetUserFromContext(r)
	if !ok {
		api.sendError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.sendError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	resp, err := api.dispatcher.Dispatch(r.Context(), &broker.Request{
		TargetID:       req.TargetID,
		TenantID:       user.TenantID,
		OperationType:  req.OperationType,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		api.sendDispatchError(w, resp, err)
		return
	}

	api.sendJSON(w, http.StatusOK, resp)
}

// sendDispatchError maps pipeline errors onto HTTP statuses.
func (api *APIServer) sendDispatchError(w http.ResponseWriter, resp *broker.Response, err error) {
	var (
		rateLimited *broker.RateLimitError
		circuitOpen *broker.CircuitOpenError
		unavailable *broker.AgentUnavailableError
		timedOut    *broker.TimeoutError
		permanent   *broker.PermanentError
		transient   *broker.TransientError
	)

	switch {
	case errors.As(err, &rateLimited):
		w.Header().Set("Retry-After", rateLimited.ResetIn.Round(time.Second).String())
		api.sendError(w, http.StatusTooManyRequests, rateLimited.Error())
	case errors.As(err, &circuitOpen):
		api.sendError(w, http.StatusServiceUnavailable, circuitOpen.Error())
	case errors.As(err, &unavailable):
		api.sendError(w, http.StatusServiceUnavailable, unavailable.Error())
	case errors.As(err, &timedOut):
		api.sendError(w, http.StatusGatewayTimeout, timedOut.Error())
	case errors.As(err, &permanent):
		api.sendError(w, http.StatusUnprocessableEntity, permanent.Error())
	case errors.As(err, &transient):
		if resp != nil {
			// The agent answered with a failure; hand its envelope back.
			api.sendJSON(w, http.StatusBadGateway, resp)
			return
		}
		api.sendError(w, http.StatusBadGateway, transient.Error())
	default:
		api.sendError(w, http.StatusInternalServerError, err.Error())
	}
}

// Reliability state

func (api *APIServer) handleListCircuits(w http.ResponseWriter, r *http.Request) {
	api.sendJSON(w, http.StatusOK, map[string]interface{}{
		"circuits": api.dispatcher.AllCircuitMetrics(),
	})
}

func (api *APIServer) handleGetCircuit(w http.ResponseWriter, r *http.Request) {
	targetID := mux.Vars(r)["target_id"]
	api.sendJSON(w, http.StatusOK, api.dispatcher.CircuitMetrics(targetID))
}

func (api *APIServer) handleResetCircuit(w http.ResponseWriter, r *http.Request) {
	targetID := mux.Vars(r)["target_id"]
	api.dispatcher.ResetCircuit(targetID)

	api.log.Info().
		Str("target_id", targetID).
		Msg("Circuit reset via API")

	api.sendJSON(w, http.StatusOK, map[string]interface{}{
		"target_id": targetID,
		"state":     "closed",
	})
}

func (api *APIServer) handleLatency(w http.ResponseWriter, r *http.Request) {
	api.sendJSON(w, http.StatusOK, map[string]interface{}{
		"series": api.dispatcher.LatencyReport(),
	})
}

// Connections and alerts

func (api *APIServer) handleConnections(w http.ResponseWriter, r *http.Request) {
	api.sendJSON(w, http.StatusOK, map[string]interface{}{
		"connections": api.registry.Snapshot(),
	})
}

func (api *APIServer) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]

	conn, ok := api.registry.GetByDevice(deviceID)
	if !ok {
		api.sendError(w, http.StatusNotFound, "Connection not found")
		return
	}

	api.sendJSON(w, http.StatusOK, conn.Info())
}

func (api *APIServer) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := api.store.ListAgents()
	if err != nil {
		api.sendError(w, http.StatusInternalServerError, "Failed to load agent directory")
		return
	}

	api.sendJSON(w, http.StatusOK, map[string]interface{}{
		"agents": agents,
	})
}

func (api *APIServer) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := api.store.RecentAlerts(50)
	if err != nil {
		api.sendError(w, http.StatusInternalServerError, "Failed to load alerts")
		return
	}

	api.sendJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
	})
}

func (api *APIServer) handleDispatchAudit(w http.ResponseWriter, r *http.Request) {
	records, err := api.store.RecentDispatches(r.URL.Query().Get("target_id"), 50)
	if err != nil {
		api.sendError(w, http.StatusInternalServerError, "Failed to load dispatch audit")
		return
	}

	api.sendJSON(w, http.StatusOK, map[string]interface{}{
		"dispatches": records,
	})
}

// Authentication

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (api *APIServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.sendError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	user, err := api.store.GetUserByUsername(req.Username)
	if err != nil {
		api.sendError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	valid, err := api.passwordService.VerifyPassword(req.Password, user.PasswordHash)
	if err != nil || !valid {
		api.sendError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, err := api.jwtService.GenerateToken(user)
	if err != nil {
		api.sendError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	api.sendJSON(w, http.StatusOK, map[string]interface{}{
		"token":     token,
		"username":  user.Username,
		"tenant_id": user.TenantID,
	})
}

func (api *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	api.sendJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"connections": api.registry.Len(),
		"pending":     api.dispatcher.PendingCount(),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}
