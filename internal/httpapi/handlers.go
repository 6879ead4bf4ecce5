package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"ledger-engine/internal/domain"
	"ledger-engine/internal/ingest"
	"ledger-engine/internal/store"
)

type Handlers struct {
	ing *ingest.Ingestor
	st  *store.Store
}

func NewHandlers(ing *ingest.Ingestor, st *store.Store) *Handlers {
	return &Handlers{ing: ing, st: st}
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func httpStatusForErr(err error) int {
	var ve *domain.ValidationError
	switch {
	case err == nil:
		return http.StatusOK

	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInstanceNotFound),
		errors.Is(err, domain.ErrAccountNotFound),
		errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateCommand):
		return http.StatusConflict
	case errors.Is(err, domain.ErrActionNotSupported):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrUpdateTargetMissing),
		errors.Is(err, domain.ErrUpdateTargetNotPending),
		errors.Is(err, domain.ErrIllegalTransition),
		errors.Is(err, domain.ErrNegativeAvailable),
		errors.Is(err, domain.ErrTooFewEntries),
		errors.Is(err, domain.ErrUnbalancedByCurrency),
		errors.Is(err, domain.ErrCurrencyMismatch),
		errors.Is(err, domain.ErrCrossInstance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrPendingUpdateInFlight):
		return http.StatusConflict

	// Context / timeouts
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout

	default:
		return http.StatusInternalServerError
	}
}

func publicErrMessage(code int, err error) string {
	// Don't leak internals on 5xx.
	if code >= 500 {
		return "internal error"
	}
	return err.Error()
}

func writeDomainErr(w http.ResponseWriter, err error) {
	var dup *domain.DuplicateCommandError
	if errors.As(err, &dup) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":               "duplicate command",
			"existing_command_id": dup.ExistingID,
		})
		return
	}

	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": ve.Fields,
		})
		return
	}

	code := httpStatusForErr(err)
	writeErr(w, code, publicErrMessage(code, err))
}

// POST /v1/commands          synchronous: returns the projection + command
// POST /v1/commands?mode=enqueue  durable enqueue only
func (h *Handlers) SubmitCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req domain.CommandRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	if r.URL.Query().Get("mode") == "enqueue" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		cmd, item, err := h.ing.Enqueue(ctx, req)
		if err != nil {
			writeDomainErr(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"command": cmd, "queue_item": item})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	res, cmd, err := h.ing.SubmitSync(ctx, req)
	if err != nil {
		writeDomainErr(w, err)
		return
	}

	body := map[string]any{"command": cmd}
	if res != nil {
		if res.Transaction != nil {
			body["transaction"] = res.Transaction
		}
		if res.Account != nil {
			body["account"] = res.Account
		}
		if res.JournalEvent != nil {
			body["journal_event"] = res.JournalEvent
		}
	}
	writeJSON(w, http.StatusCreated, body)
}

type createInstanceRequest struct {
	Address  string         `json:"address"`
	Config   map[string]any `json:"config,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (h *Handlers) CreateInstance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req createInstanceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.Address) == "" {
		writeErr(w, http.StatusBadRequest, "address is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	inst, err := h.st.CreateInstance(ctx, req.Address, req.Config, req.Metadata)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

// GET /v1/instances/{address}
// GET /v1/instances/{address}/accounts
// GET /v1/instances/{address}/queue[?status=...]
func (h *Handlers) InstanceSubtree(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1/instances/")
	parts := strings.Split(path, "/")
	if len(parts) < 1 || parts[0] == "" {
		writeErr(w, http.StatusNotFound, "not found")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	inst, err := h.st.GetInstanceByAddress(ctx, parts[0])
	if err != nil {
		writeDomainErr(w, err)
		return
	}

	switch {
	case len(parts) == 1:
		writeJSON(w, http.StatusOK, inst)
	case len(parts) == 2 && parts[1] == "accounts":
		accounts, err := h.st.ListAccounts(ctx, inst.ID, pageFrom(r))
		if err != nil {
			writeDomainErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
	case len(parts) == 2 && parts[1] == "queue":
		items, err := h.st.ListQueueItems(ctx, inst.ID, domain.QueueStatus(r.URL.Query().Get("status")), pageFrom(r))
		if err != nil {
			writeDomainErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"queue_items": items})
	default:
		writeErr(w, http.StatusNotFound, "not found")
	}
}

// GET /v1/accounts/{uuid}
// GET /v1/accounts/{uuid}/history
func (h *Handlers) AccountSubtree(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1/accounts/")
	parts := strings.Split(path, "/")

	accID, err := uuid.Parse(parts[0])
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid account id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	switch {
	case len(parts) == 1:
		acc, err := h.st.GetAccountByID(ctx, accID)
		if err != nil {
			writeDomainErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, acc)
	case len(parts) == 2 && parts[1] == "history":
		history, err := h.st.BalanceHistory(ctx, accID, pageFrom(r))
		if err != nil {
			writeDomainErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"history": history})
	default:
		writeErr(w, http.StatusNotFound, "not found")
	}
}

// GET /v1/transactions/{uuid}
func (h *Handlers) GetTransaction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	idStr := strings.TrimPrefix(r.URL.Path, "/v1/transactions/")
	txID, err := uuid.Parse(idStr)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid transaction id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	txn, err := h.st.GetTransaction(ctx, txID)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

func pageFrom(r *http.Request) domain.Page {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	return domain.Page{Limit: limit, Offset: offset}
}
