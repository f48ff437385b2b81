// Package httpapi exposes the ledger and session operations over HTTP. Caller
// identity comes from headers set by the authenticating gateway.
package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sheikh-saqib/coins-ledger-system/internal/ledger"
	"github.com/sheikh-saqib/coins-ledger-system/internal/metrics"
	"github.com/sheikh-saqib/coins-ledger-system/internal/models"
	"github.com/sheikh-saqib/coins-ledger-system/internal/query"
	"github.com/sheikh-saqib/coins-ledger-system/internal/session"
	"github.com/sirupsen/logrus"
)

// Services are the operations the API binds to.
type Services struct {
	Ledger   *ledger.Ledger
	Sessions *session.Manager
	Query    *query.Service
	Limiter  *RateLimiter
	Log      logrus.FieldLogger
}

type handler struct {
	ledger   *ledger.Ledger
	sessions *session.Manager
	query    *query.Service
	log      logrus.FieldLogger
}

// NewHandler returns a router exposing the REST API.
func NewHandler(svc Services) http.Handler {
	log := svc.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	h := &handler{ledger: svc.Ledger, sessions: svc.Sessions, query: svc.Query, log: log}

	router := mux.NewRouter()
	router.Use(metrics.Middleware)
	router.HandleFunc("/health", h.health).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/").Subrouter()
	api.Use(requireIdentity, svc.Limiter.Handler)

	api.HandleFunc("/accounts/{userID}/balance", h.balance).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{userID}/entries", h.entries).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{userID}/reconcile", h.adminOnly(h.reconcile)).Methods(http.MethodGet)
	api.HandleFunc("/operations/{referenceID}", h.adminOnly(h.operation)).Methods(http.MethodGet)
	api.HandleFunc("/audit", h.adminOnly(h.audit)).Methods(http.MethodGet)

	api.HandleFunc("/transfers", h.transfer).Methods(http.MethodPost)
	api.HandleFunc("/refunds", h.adminOnly(h.refund)).Methods(http.MethodPost)
	api.HandleFunc("/grants", h.adminOnly(h.grant)).Methods(http.MethodPost)

	api.HandleFunc("/sessions", h.requestSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions", h.listSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", h.getSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/{action:accept|reject|start|end|cancel}", h.sessionAction).Methods(http.MethodPost)

	return router
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !IdentityFrom(r.Context()).IsAdmin() {
			writeError(w, http.StatusForbidden, errForbidden)
			return
		}
		next(w, r)
	}
}

// fail writes err with the status its kind maps to.
func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	switch status {
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
	case http.StatusInternalServerError:
		h.log.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("request failed")
		err = errors.New("internal error")
	}
	writeError(w, status, err)
}

func (h *handler) balance(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	if !IdentityFrom(r.Context()).CanActFor(userID) {
		writeError(w, http.StatusForbidden, errForbidden)
		return
	}
	bal, err := h.query.GetBalance(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (h *handler) entries(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	if !IdentityFrom(r.Context()).CanActFor(userID) {
		writeError(w, http.StatusForbidden, errForbidden)
		return
	}
	page, err := pageFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	filter := models.EntryFilter{Kind: models.EntryKind(r.URL.Query().Get("kind")), Page: page}
	entries, err := h.query.ListEntries(r.Context(), userID, filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handler) reconcile(w http.ResponseWriter, r *http.Request) {
	rec, err := h.ledger.Reconcile(r.Context(), mux.Vars(r)["userID"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) operation(w http.ResponseWriter, r *http.Request) {
	entries, err := h.query.GetEntries(r.Context(), mux.Vars(r)["referenceID"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handler) audit(w http.ResponseWriter, r *http.Request) {
	report, err := h.ledger.Audit(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// referenceID prefers the Idempotency-Key header over the body field. Keys are
// scoped to the caller, so one user's key never replays another user's operation.
func referenceID(r *http.Request, fromBody string) string {
	key := r.Header.Get(HeaderIdempotencyKey)
	if key == "" {
		key = fromBody
	}
	return models.ClientReference(IdentityFrom(r.Context()).UserID, key)
}

// writeCommit answers 201 for a new commit and 200 for a replay.
func writeCommit(w http.ResponseWriter, result models.CommitResult) {
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (h *handler) transfer(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ToAccount   string `json:"to_account"`
		Amount      int64  `json:"amount"`
		Description string `json:"description"`
		ReferenceID string `json:"reference_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if models.IsSystemAccount(payload.ToAccount) {
		writeError(w, http.StatusBadRequest, models.ErrInvalidAccount)
		return
	}

	result, err := h.ledger.Transfer(r.Context(), ledger.TransferRequest{
		FromAccount: IdentityFrom(r.Context()).UserID,
		ToAccount:   payload.ToAccount,
		Amount:      payload.Amount,
		ReferenceID: referenceID(r, payload.ReferenceID),
		Description: payload.Description,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeCommit(w, result)
}

func (h *handler) refund(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		OriginalReferenceID string `json:"original_reference_id"`
		Amount              int64  `json:"amount"`
		Reason              string `json:"reason"`
		ReferenceID         string `json:"reference_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.ledger.Refund(r.Context(), ledger.RefundRequest{
		OriginalReferenceID: payload.OriginalReferenceID,
		Amount:              payload.Amount,
		ReferenceID:         referenceID(r, payload.ReferenceID),
		Reason:              payload.Reason,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeCommit(w, result)
}

func (h *handler) grant(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AccountID   string `json:"account_id"`
		Amount      int64  `json:"amount"`
		Description string `json:"description"`
		ReferenceID string `json:"reference_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.ledger.Grant(r.Context(), payload.AccountID, payload.Amount, referenceID(r, payload.ReferenceID), payload.Description)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeCommit(w, result)
}

func (h *handler) requestSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		CounterpartyID string `json:"counterparty_id"`
		RatePerMinute  int64  `json:"rate_per_minute"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if models.IsSystemAccount(payload.CounterpartyID) {
		writeError(w, http.StatusBadRequest, models.ErrInvalidAccount)
		return
	}

	s, err := h.sessions.Request(r.Context(), IdentityFrom(r.Context()).UserID, payload.CounterpartyID, payload.RatePerMinute)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	filter := models.SessionFilter{State: models.SessionState(r.URL.Query().Get("state")), Page: page}
	sessions, err := h.query.ListSessions(r.Context(), IdentityFrom(r.Context()).UserID, filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// loadSession returns the session if the caller takes part in it. Others get
// a not-found so session ids cannot be guessed.
func (h *handler) loadSession(w http.ResponseWriter, r *http.Request) (models.Session, bool) {
	s, err := h.query.GetSession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return models.Session{}, false
	}
	caller := IdentityFrom(r.Context())
	if !s.IsParticipant(caller.UserID) && !caller.IsAdmin() {
		writeError(w, http.StatusNotFound, models.ErrSessionNotFound)
		return models.Session{}, false
	}
	return s, true
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *handler) sessionAction(w http.ResponseWriter, r *http.Request) {
	s, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	action := mux.Vars(r)["action"]
	caller := IdentityFrom(r.Context()).UserID

	// Only the requested party answers a request.
	if (action == "accept" || action == "reject") && caller != s.CounterpartyID {
		writeError(w, http.StatusForbidden, errForbidden)
		return
	}
	if !s.IsParticipant(caller) {
		writeError(w, http.StatusForbidden, errForbidden)
		return
	}

	var (
		updated models.Session
		err     error
	)
	switch action {
	case "accept":
		updated, err = h.sessions.Accept(r.Context(), s.ID)
	case "reject":
		updated, err = h.sessions.Reject(r.Context(), s.ID)
	case "start":
		updated, err = h.sessions.Start(r.Context(), s.ID)
	case "end":
		var hint *time.Time
		hint, err = endTimeHint(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		updated, err = h.sessions.End(r.Context(), s.ID, hint)
	case "cancel":
		updated, err = h.sessions.Cancel(r.Context(), s.ID)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// endTimeHint reads the optional client-side end time of an end request.
func endTimeHint(r *http.Request) (*time.Time, error) {
	if r.ContentLength == 0 {
		return nil, nil
	}
	var payload struct {
		EndTime *time.Time `json:"end_time"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		return nil, err
	}
	return payload.EndTime, nil
}

func pageFromQuery(r *http.Request) (models.Page, error) {
	var page models.Page
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return page, fmt.Errorf("invalid limit %q", v)
		}
		page.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return page, fmt.Errorf("invalid offset %q", v)
		}
		page.Offset = n
	}
	return page.Normalize(), nil
}
