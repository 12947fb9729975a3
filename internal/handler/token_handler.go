package handler

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"token-service/internal/errs"
	"token-service/internal/models"
	"token-service/internal/service"
	"token-service/internal/util"
)

// TokenHandler exposes wallet, token and monitor operations over HTTP.
type TokenHandler struct {
	tokenService *service.TokenService
}

func NewTokenHandler(tokenService *service.TokenService) *TokenHandler {
	return &TokenHandler{tokenService: tokenService}
}

// Response is the standard API envelope. Error carries the stable error
// code, never the underlying cause.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

type Meta struct {
	NextCursor string `json:"next_cursor,omitempty"`
	PageSize   int    `json:"page_size,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   errs.Code(err),
		Message: message,
	}
}

func (h *TokenHandler) RegisterRoutes(router chi.Router) {
	router.Route("/wallets", func(r chi.Router) {
		r.Post("/", h.CreateWallet)
		r.Post("/restore", h.RestoreWallet)
		r.Post("/snapshot", h.SnapshotWallets)
		r.Post("/snapshot/restore", h.RestoreWalletSnapshot)
		r.Get("/{userID}/public-key", h.GetPublicKey)
		r.Post("/{userID}/sign", h.Sign)
		r.Post("/{userID}/rotate-password", h.RotatePassword)
		r.Post("/{userID}/deactivate", h.DeactivateWallet)
		r.Post("/{userID}/activate", h.ActivateWallet)
		r.Post("/{userID}/backup", h.BackupWallet)
	})

	router.Route("/tokens", func(r chi.Router) {
		r.Post("/mint", h.Mint)
		r.Post("/transfer", h.Transfer)
		r.Post("/burn", h.Burn)
		r.Get("/balance/{userID}", h.GetBalance)
		r.Get("/transactions/{userID}", h.GetTransactions)
		r.Get("/transaction/{transactionID}", h.GetTransaction)
		r.Get("/stats", h.GetStatistics)
	})

	router.Route("/monitor", func(r chi.Router) {
		r.Get("/alerts", h.GetAlerts)
		r.Post("/alerts/{alertID}/resolve", h.ResolveAlert)
	})
}

type createWalletRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

type publicKeyResponse struct {
	UserID    string `json:"user_id"`
	PublicKey string `json:"public_key"`
}

func (h *TokenHandler) CreateWallet(w http.ResponseWriter, r *http.Request) {
	var req createWalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.UserID == "" || req.Password == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("user_id and password are required"), "user_id and password are required")
		return
	}

	wallet, err := h.tokenService.CreateWallet(r.Context(), req.UserID, req.Password)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to create wallet")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(publicKeyResponse{
		UserID:    wallet.UserID,
		PublicKey: base64.StdEncoding.EncodeToString(wallet.PublicKey),
	}, "Wallet created"))
}

func (h *TokenHandler) GetPublicKey(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	publicKey, err := h.tokenService.GetPublicKey(r.Context(), userID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to get public key")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(publicKeyResponse{
		UserID:    userID,
		PublicKey: base64.StdEncoding.EncodeToString(publicKey),
	}, ""))
}

type signRequest struct {
	Password string `json:"password"`
	Payload  string `json:"payload"`
}

func (h *TokenHandler) Sign(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	startTime := time.Now()

	var req signRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Payload must be base64")
		return
	}

	signature, err := h.tokenService.Sign(r.Context(), userID, req.Password, payload)
	if err != nil {
		h.respondWithRateLimitAware(w, err, "Failed to sign payload")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]string{
		"user_id":   userID,
		"signature": base64.StdEncoding.EncodeToString(signature),
	}, ""))
	util.Debug("Payload signed via HTTP",
		util.String("user_id", userID),
		util.Duration("duration", time.Since(startTime)))
}

type rotatePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func (h *TokenHandler) RotatePassword(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req rotatePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.tokenService.RotatePassword(r.Context(), userID, req.OldPassword, req.NewPassword); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to rotate password")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Password rotated"))
}

func (h *TokenHandler) DeactivateWallet(w http.ResponseWriter, r *http.Request) {
	h.setWalletActive(w, r, false)
}

func (h *TokenHandler) ActivateWallet(w http.ResponseWriter, r *http.Request) {
	h.setWalletActive(w, r, true)
}

func (h *TokenHandler) setWalletActive(w http.ResponseWriter, r *http.Request, active bool) {
	userID := chi.URLParam(r, "userID")

	if err := h.tokenService.SetWalletActive(r.Context(), userID, active); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to update wallet status")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]bool{"is_active": active}, "Wallet status updated"))
}

type backupRequest struct {
	Password string `json:"password"`
}

func (h *TokenHandler) BackupWallet(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req backupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	backup, err := h.tokenService.BackupWallet(r.Context(), userID, req.Password)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to export wallet backup")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(backup, "Backup exported"))
}

func (h *TokenHandler) RestoreWallet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Backup   *models.WalletBackup `json:"backup"`
		Password string               `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Backup == nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	wallet, err := h.tokenService.RestoreWallet(r.Context(), req.Backup, req.Password)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to restore wallet")
		return
	}
	h.respondWithJSON(w, http.StatusCreated, successResponse(publicKeyResponse{
		UserID:    wallet.UserID,
		PublicKey: base64.StdEncoding.EncodeToString(wallet.PublicKey),
	}, "Wallet restored"))
}

func (h *TokenHandler) SnapshotWallets(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	count, err := h.tokenService.BackupDatabase(r.Context(), req.Path)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to write snapshot")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]int{
		"wallet_count": count,
	}, "Snapshot written"))
}

func (h *TokenHandler) RestoreWalletSnapshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	count, err := h.tokenService.RestoreDatabase(r.Context(), req.Path)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to restore snapshot")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]int{
		"restored": count,
	}, "Snapshot restored"))
}

func (h *TokenHandler) Mint(w http.ResponseWriter, r *http.Request) {
	var req service.MintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	record, err := h.tokenService.Mint(r.Context(), &req)
	if err != nil {
		h.respondWithRateLimitAware(w, err, "Failed to mint tokens")
		return
	}
	h.respondWithJSON(w, http.StatusCreated, successResponse(record, "Tokens minted"))
}

func (h *TokenHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req service.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	record, err := h.tokenService.Transfer(r.Context(), &req)
	if err != nil {
		h.respondWithRateLimitAware(w, err, "Failed to transfer tokens")
		return
	}
	h.respondWithJSON(w, http.StatusCreated, successResponse(record, "Tokens transferred"))
}

func (h *TokenHandler) Burn(w http.ResponseWriter, r *http.Request) {
	var req service.BurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	record, err := h.tokenService.Burn(r.Context(), &req)
	if err != nil {
		h.respondWithRateLimitAware(w, err, "Failed to burn tokens")
		return
	}
	h.respondWithJSON(w, http.StatusCreated, successResponse(record, "Tokens burned"))
}

func (h *TokenHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	balance, err := h.tokenService.GetBalance(r.Context(), userID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to get balance")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(balance, ""))
}

func (h *TokenHandler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	cursor := r.URL.Query().Get("cursor")
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.respondWithError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"), "Invalid limit")
			return
		}
		limit = parsed
	}

	page, err := h.tokenService.GetTransactions(r.Context(), userID, limit, cursor)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to list transactions")
		return
	}

	h.respondWithJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    page.Records,
		Meta: &Meta{
			NextCursor: page.NextCursor,
			PageSize:   len(page.Records),
		},
	})
}

func (h *TokenHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	transactionID := chi.URLParam(r, "transactionID")

	record, err := h.tokenService.GetTransaction(r.Context(), transactionID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to get transaction")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(record, ""))
}

func (h *TokenHandler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.tokenService.Statistics(r.Context())
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to compute statistics")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(stats, ""))
}

func (h *TokenHandler) GetAlerts(w http.ResponseWriter, r *http.Request) {
	level := models.AlertLevel(r.URL.Query().Get("level"))
	switch level {
	case "", models.AlertInfo, models.AlertWarning, models.AlertError, models.AlertCritical:
	default:
		h.respondWithError(w, http.StatusBadRequest, errors.New("unknown alert level"), "Unknown alert level")
		return
	}

	alerts := h.tokenService.ActiveAlerts(level)
	if alerts == nil {
		alerts = []*models.Alert{}
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(alerts, ""))
}

func (h *TokenHandler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alertID")

	if !h.tokenService.ResolveAlert(alertID) {
		h.respondWithError(w, http.StatusNotFound, errors.New("alert not found"), "Alert not found or already resolved")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Alert resolved"))
}

func (h *TokenHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		util.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *TokenHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	util.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message))
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// respondWithRateLimitAware adds the Retry-After header for throttled
// operations before the standard error envelope.
func (h *TokenHandler) respondWithRateLimitAware(w http.ResponseWriter, err error, message string) {
	var rle *errs.RateLimitError
	if errors.As(err, &rle) {
		w.Header().Set("Retry-After", strconv.Itoa(int(rle.RetryAfter.Seconds())))
		h.respondWithError(w, http.StatusTooManyRequests, err, message)
		return
	}
	h.respondWithError(w, h.getStatusCode(err), err, message)
}

func (h *TokenHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, errs.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, errs.ErrWalletInactive):
		return http.StatusForbidden
	case errors.Is(err, errs.ErrDuplicateWallet):
		return http.StatusConflict
	case errors.Is(err, errs.ErrWalletNotFound), errors.Is(err, errs.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrInvalidAmount), errors.Is(err, errs.ErrDecryption):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errs.ErrAlreadyFinalized):
		return http.StatusConflict
	case errs.IsRateLimited(err):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
