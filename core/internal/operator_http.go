package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"

	"github.com/xKoRx/guard/sdk/domain"
	"github.com/xKoRx/guard/sdk/telemetry"
	"github.com/xKoRx/guard/sdk/telemetry/semconv"
)

// ErrInvalidToken token de operador ausente, vencido o mal firmado.
var ErrInvalidToken = errors.New("invalid operator token")

type operatorContextKey string

const operatorKey operatorContextKey = "guard.operator"

// OperatorClaims claims del token de operador.
type OperatorClaims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

// OperatorAuth emite y valida tokens HS256 de operador.
//
// Con secreto vacío la autenticación queda deshabilitada.
type OperatorAuth struct {
	secret []byte
	ttl    time.Duration
	clock  clockwork.Clock
}

// NewOperatorAuth crea el autenticador.
func NewOperatorAuth(secret string, ttl time.Duration, clock clockwork.Clock) *OperatorAuth {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &OperatorAuth{secret: []byte(secret), ttl: ttl, clock: clock}
}

// Enabled indica si se exige token.
func (a *OperatorAuth) Enabled() bool {
	return len(a.secret) > 0
}

// IssueToken firma un token para el operador.
func (a *OperatorAuth) IssueToken(operator string) (string, error) {
	if !a.Enabled() {
		return "", domain.NewError(domain.ErrInvalidConfig, "operator/jwt_secret not configured")
	}
	if strings.TrimSpace(operator) == "" {
		return "", domain.NewError(domain.ErrInvalidConfig, "operator name is required")
	}
	now := a.clock.Now()
	claims := &OperatorClaims{
		Operator: operator,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operator,
			Issuer:    "guard-core",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Validate verifica firma y vigencia.
func (a *OperatorAuth) Validate(raw string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(raw, &OperatorClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid || claims.Operator == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Middleware exige "Authorization: Bearer <token>" y deja el operador en el contexto.
func (a *OperatorAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), operatorKey, "anonymous")))
			return
		}

		header := r.Header.Get("Authorization")
		scheme, token, found := strings.Cut(header, " ")
		if !found || scheme != "Bearer" || token == "" {
			respondError(w, http.StatusUnauthorized, domain.ErrInvalidConfig, "missing bearer token")
			return
		}

		claims, err := a.Validate(token)
		if err != nil {
			respondError(w, http.StatusUnauthorized, domain.ErrInvalidConfig, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), operatorKey, claims.Operator)))
	})
}

// OperatorFromContext retorna el operador autenticado.
func OperatorFromContext(ctx context.Context) string {
	op, _ := ctx.Value(operatorKey).(string)
	return op
}

// OperatorAPI API HTTP de operación: estado, bloqueos, reset y acciones fallidas.
type OperatorAPI struct {
	lockouts  *LockoutManager
	reset     *ResetScheduler
	queue     *ActionQueue
	status    func() Status
	auth      *OperatorAuth
	clock     clockwork.Clock
	telemetry *telemetry.Client
}

// NewOperatorAPI crea la API. reset y status pueden ser nil.
func NewOperatorAPI(
	lockouts *LockoutManager,
	reset *ResetScheduler,
	queue *ActionQueue,
	status func() Status,
	auth *OperatorAuth,
	clock clockwork.Clock,
	tel *telemetry.Client,
) *OperatorAPI {
	return &OperatorAPI{
		lockouts:  lockouts,
		reset:     reset,
		queue:     queue,
		status:    status,
		auth:      auth,
		clock:     clock,
		telemetry: tel,
	}
}

// Router construye el enrutado.
//
//	GET  /healthz
//	GET  /api/status
//	GET  /api/lockouts
//	GET  /api/lockouts/{account}
//	POST /api/lockouts/{account}         {"policy": "cooldown:15m", "reason": "..."}
//	POST /api/lockouts/{account}/clear
//	GET  /api/reset
//	GET  /api/failed-actions
func (api *OperatorAPI) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(api.logRequests)

	r.HandleFunc("/healthz", api.handleHealth).Methods(http.MethodGet)

	protected := r.PathPrefix("/api").Subrouter()
	protected.Use(api.auth.Middleware)

	protected.HandleFunc("/status", api.handleStatus).Methods(http.MethodGet)
	protected.HandleFunc("/lockouts", api.handleListLockouts).Methods(http.MethodGet)
	protected.HandleFunc("/lockouts/{account}", api.handleGetLockout).Methods(http.MethodGet)
	protected.HandleFunc("/lockouts/{account}", api.handleSetLockout).Methods(http.MethodPost)
	protected.HandleFunc("/lockouts/{account}/clear", api.handleClearLockout).Methods(http.MethodPost)
	protected.HandleFunc("/reset", api.handleReset).Methods(http.MethodGet)
	protected.HandleFunc("/failed-actions", api.handleFailedActions).Methods(http.MethodGet)

	return r
}

// ErrorResponse cuerpo de error.
type ErrorResponse struct {
	Error string           `json:"error"`
	Code  domain.ErrorCode `json:"code"`
}

// LockoutView bloqueo tal como lo expone la API.
type LockoutView struct {
	domain.LockoutInfo
	RemainingSeconds *int64 `json:"remaining_seconds,omitempty"`
}

// LockoutRequest cuerpo de POST /api/lockouts/{account}.
type LockoutRequest struct {
	Policy string `json:"policy"`
	Reason string `json:"reason"`
}

// ClearResponse resultado de un clear manual.
type ClearResponse struct {
	AccountID string `json:"account_id"`
	Cleared   bool   `json:"cleared"`
	Operator  string `json:"operator"`
}

// ResetView estado del reset diario.
type ResetView struct {
	Enabled   bool       `json:"enabled"`
	Timezone  string     `json:"timezone"`
	Period    string     `json:"period"`
	NextReset *time.Time `json:"next_reset,omitempty"`
	LastReset *time.Time `json:"last_reset,omitempty"`
}

func (api *OperatorAPI) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (api *OperatorAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if api.status == nil {
		respondError(w, http.StatusServiceUnavailable, domain.ErrUnknown, "status not available")
		return
	}
	respondJSON(w, http.StatusOK, api.status())
}

func (api *OperatorAPI) handleListLockouts(w http.ResponseWriter, _ *http.Request) {
	now := api.clock.Now()
	infos := api.lockouts.ActiveLockouts()
	views := make([]LockoutView, 0, len(infos))
	for _, info := range infos {
		views = append(views, lockoutView(info, now))
	}
	respondJSON(w, http.StatusOK, views)
}

func (api *OperatorAPI) handleGetLockout(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["account"]
	info, ok := api.lockouts.GetLockoutInfo(accountID)
	if !ok {
		respondError(w, http.StatusNotFound, domain.ErrNotFound, fmt.Sprintf("account %s is not locked out", accountID))
		return
	}
	respondJSON(w, http.StatusOK, lockoutView(info, api.clock.Now()))
}

func (api *OperatorAPI) handleSetLockout(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["account"]
	operator := OperatorFromContext(r.Context())

	var req LockoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, domain.ErrInvalidConfig, "malformed request body")
		return
	}
	policy, err := domain.ParseLockoutPolicy(req.Policy)
	if err != nil {
		api.respondDomainError(w, r, err)
		return
	}
	if !policy.Locks() {
		respondError(w, http.StatusBadRequest, domain.ErrInvalidRulePolicy, "policy does not lock the account")
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "operator lockout"
	}
	if err := api.lockouts.Apply(r.Context(), accountID, "operator:"+operator, reason, policy); err != nil {
		api.respondDomainError(w, r, err)
		return
	}

	api.telemetry.Info(r.Context(), "Operator applied lockout",
		semconv.Guard.AccountID.String(accountID),
		attribute.String("operator", operator),
		attribute.String("policy", policy.String()),
	)
	info, _ := api.lockouts.GetLockoutInfo(accountID)
	respondJSON(w, http.StatusCreated, lockoutView(info, api.clock.Now()))
}

func (api *OperatorAPI) handleClearLockout(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["account"]
	operator := OperatorFromContext(r.Context())

	cleared, err := api.lockouts.clear(r.Context(), accountID, domain.ClearOriginOperator)
	if err != nil && !cleared {
		api.respondDomainError(w, r, err)
		return
	}

	api.telemetry.Info(r.Context(), "Operator clear requested",
		semconv.Guard.AccountID.String(accountID),
		attribute.String("operator", operator),
		attribute.Bool("cleared", cleared),
	)
	if err != nil {
		respondJSON(w, http.StatusAccepted, ClearResponse{AccountID: accountID, Cleared: cleared, Operator: operator})
		return
	}
	respondJSON(w, http.StatusOK, ClearResponse{AccountID: accountID, Cleared: cleared, Operator: operator})
}

func (api *OperatorAPI) handleReset(w http.ResponseWriter, _ *http.Request) {
	if api.reset == nil {
		respondJSON(w, http.StatusOK, ResetView{Enabled: false})
		return
	}
	now := api.clock.Now()
	view := ResetView{
		Enabled:  api.reset.Enabled(),
		Timezone: api.reset.Location().String(),
		Period:   api.reset.CurrentPeriod(now),
	}
	if next := api.reset.NextReset(); !next.IsZero() {
		view.NextReset = &next
	}
	if last := api.reset.LastReset(); !last.IsZero() {
		view.LastReset = &last
	}
	respondJSON(w, http.StatusOK, view)
}

func (api *OperatorAPI) handleFailedActions(w http.ResponseWriter, _ *http.Request) {
	failed := api.queue.FailedActions()
	if failed == nil {
		failed = []domain.ActionOutcome{}
	}
	respondJSON(w, http.StatusOK, failed)
}

func (api *OperatorAPI) respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.CodeOf(err)
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		code = domain.ErrInvalidAccount
	}
	statusCode := httpStatusFor(code)
	if statusCode >= http.StatusInternalServerError {
		api.telemetry.Error(r.Context(), "Operator request failed", err, semconv.Guard.ErrorCode.String(string(code)))
	}
	respondError(w, statusCode, code, err.Error())
}

func (api *OperatorAPI) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := api.clock.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		api.telemetry.Debug(r.Context(), "Operator request",
			semconv.Guard.Component.String(semconv.ComponentValues.Operator),
			attribute.String("method", r.Method),
			attribute.String("path", r.URL.Path),
			attribute.Int("status", rec.status),
			attribute.Int64("latency_ms", api.clock.Since(start).Milliseconds()),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func lockoutView(info domain.LockoutInfo, now time.Time) LockoutView {
	view := LockoutView{LockoutInfo: info}
	if info.Remaining != nil {
		secs := int64(info.Remaining.Round(time.Second) / time.Second)
		view.RemainingSeconds = &secs
	}
	return view
}

func httpStatusFor(code domain.ErrorCode) int {
	switch code {
	case domain.ErrInvalidAccount, domain.ErrInvalidRulePolicy, domain.ErrInvalidDuration, domain.ErrInvalidConfig:
		return http.StatusBadRequest
	case domain.ErrManualClearForbidden:
		return http.StatusForbidden
	case domain.ErrNotFound:
		return http.StatusNotFound
	case domain.ErrStoreUnavailable, domain.ErrAdapterUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, statusCode int, code domain.ErrorCode, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message, Code: code})
}

// OperatorServer servidor HTTP de la API de operación.
type OperatorServer struct {
	server    *http.Server
	listener  net.Listener
	telemetry *telemetry.Client
}

// NewOperatorServer abre el listener en addr.
func NewOperatorServer(addr string, handler http.Handler, tel *telemetry.Client) (*OperatorServer, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &OperatorServer{
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener:  lis,
		telemetry: tel,
	}, nil
}

// Address dirección efectiva del listener.
func (s *OperatorServer) Address() string {
	return s.listener.Addr().String()
}

// Serve bloquea hasta que ctx se cancele o el servidor falle.
func (s *OperatorServer) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(s.listener)
	}()
	s.telemetry.Info(ctx, "Operator API listening", attribute.String("address", s.Address()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}
