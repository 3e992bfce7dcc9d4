package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"atomic-ledger/internal/domain"
	"atomic-ledger/internal/errors"
	"atomic-ledger/internal/service"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

// IdempotencyKeyHeader may carry the key instead of the request body.
const IdempotencyKeyHeader = "Idempotency-Key"

type TransferHandler struct {
	transferService *service.TransferService
}

func NewTransferHandler(transferService *service.TransferService) *TransferHandler {
	return &TransferHandler{
		transferService: transferService,
	}
}

type TransferRequest struct {
	FromAccountID  string `json:"from_account_id"`
	ToAccountID    string `json:"to_account_id"`
	Amount         string `json:"amount"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type TransferResponse struct {
	TransferID     int64     `json:"transfer_id"`
	FromAccountID  string    `json:"from_account_id"`
	ToAccountID    string    `json:"to_account_id"`
	Amount         string    `json:"amount"`
	Status         string    `json:"status"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	IdempotencyKey *string   `json:"idempotency_key,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

func newTransferResponse(record *domain.TransferRecord) TransferResponse {
	response := TransferResponse{
		TransferID:    record.ID,
		FromAccountID: record.FromAccountID,
		ToAccountID:   record.ToAccountID,
		Amount:        record.Amount.String(),
		Status:        string(record.Status),
		FailureReason: record.FailureReason,
		Timestamp:     record.Timestamp,
	}
	if record.IdempotencyKey != nil {
		keyStr := record.IdempotencyKey.String()
		response.IdempotencyKey = &keyStr
	}
	return response
}

func (h *TransferHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.NewAppError(errors.InvalidRequest, "invalid request body").WithDetails(err.Error()))
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, errors.NewAppError(errors.InvalidRequest, "invalid amount format").WithDetails(err.Error()))
		return
	}

	idempotencyKey, err := parseIdempotencyKey(req.IdempotencyKey, r.Header.Get(IdempotencyKeyHeader))
	if err != nil {
		writeError(w, err)
		return
	}

	record, err := h.transferService.Transfer(r.Context(), &service.TransferRequest{
		FromAccountID:  req.FromAccountID,
		ToAccountID:    req.ToAccountID,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		if record != nil {
			writeErrorWithData(w, err, newTransferResponse(record))
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, newTransferResponse(record))
}

func (h *TransferHandler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["transfer_id"], 10, 64)
	if err != nil {
		writeError(w, errors.ErrInvalidTransferID)
		return
	}

	record, err := h.transferService.GetTransfer(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newTransferResponse(record))
}

// ListTransfers serves the transfer log, oldest first. Clients page through
// it by passing the last transfer_id they saw as since.
func (h *TransferHandler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var since int64
	if raw := query.Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, errors.ErrInvalidTransferID.WithDetails("since must be a transfer id"))
			return
		}
		since = parsed
	}

	var limit int
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, errors.NewAppError(errors.InvalidRequest, "limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}

	records, err := h.transferService.ListTransfers(r.Context(), query.Get("account_id"), since, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	response := make([]TransferResponse, 0, len(records))
	for _, record := range records {
		response = append(response, newTransferResponse(record))
	}
	writeJSON(w, http.StatusOK, response)
}

func parseIdempotencyKey(fromBody, fromHeader string) (*uuid.UUID, error) {
	raw := fromBody
	if raw == "" {
		raw = fromHeader
	} else if fromHeader != "" && fromHeader != fromBody {
		return nil, errors.NewAppError(errors.InvalidRequest, "idempotency key in header and body differ")
	}
	if raw == "" {
		return nil, nil
	}

	key, err := uuid.Parse(raw)
	if err != nil {
		return nil, errors.NewAppError(errors.InvalidRequest, "invalid idempotency_key format").WithDetails(err.Error())
	}
	return &key, nil
}
