package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"bookswap/auth"
	"bookswap/book"
	"bookswap/exchange"
	"bookswap/ledger"
	"bookswap/report"
)

const maxBodyBytes = 1 << 20

var validate *validator.Validate

func init() {
	validate = validator.New()
}

var errMalformedBody = errors.New("malformed request body")

// decodeBody reads a single JSON object into dst and runs its validate tags.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errMalformedBody, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing data", errMalformedBody)
	}
	return validate.Struct(dst)
}

func (s *Server) respondDecodeError(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
		respondWithError(w, http.StatusUnprocessableEntity, "validation failed: "+strings.Join(fields, ", "))
		return
	}
	respondWithError(w, http.StatusBadRequest, err.Error())
}

// Request payloads.

type registerRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required"`
	DisplayName string `json:"displayName" validate:"required,max=80"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type createBookRequest struct {
	Title     string `json:"title" validate:"required,max=300"`
	Author    string `json:"author" validate:"max=200"`
	ISBN      string `json:"isbn" validate:"omitempty,max=20"`
	Condition string `json:"condition" validate:"required"`
}

type availabilityRequest struct {
	Available *bool `json:"available" validate:"required"`
}

type requestExchangeRequest struct {
	BookID string `json:"bookId" validate:"required,uuid"`
}

type createReportRequest struct {
	Reason      string `json:"reason" validate:"required"`
	Description string `json:"description"`
}

// Response payloads. Times are RFC3339 in UTC.

type userResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	CreatedAt   string `json:"createdAt"`
}

type loginResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

type meResponse struct {
	User    userResponse `json:"user"`
	Balance int64        `json:"balance"`
}

type entryResponse struct {
	ID         int64  `json:"id"`
	ExchangeID string `json:"exchangeId"`
	Delta      int64  `json:"delta"`
	CreatedAt  string `json:"createdAt"`
}

type bookResponse struct {
	ID                     string  `json:"id"`
	OwnerID                string  `json:"ownerId"`
	Title                  string  `json:"title"`
	Author                 string  `json:"author"`
	ISBN                   string  `json:"isbn,omitempty"`
	Condition              string  `json:"condition"`
	IsAvailable            bool    `json:"isAvailable"`
	Deleted                bool    `json:"deleted"`
	ComputedPoints         *int    `json:"computedPoints,omitempty"`
	PointsLastCalculatedAt *string `json:"pointsLastCalculatedAt,omitempty"`
	CreatedAt              string  `json:"createdAt"`
}

type pointsResponse struct {
	BookID string `json:"bookId"`
	Points int    `json:"points"`
}

type exchangeResponse struct {
	ID          string  `json:"id"`
	BookID      string  `json:"bookId"`
	FromUserID  string  `json:"fromUserId"`
	ToUserID    string  `json:"toUserId"`
	PointsUsed  int     `json:"pointsUsed"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"createdAt"`
	CompletedAt *string `json:"completedAt,omitempty"`
}

type reportResponse struct {
	ID          string  `json:"id"`
	ExchangeID  string  `json:"exchangeId"`
	ReporterID  string  `json:"reporterId"`
	Reason      string  `json:"reason"`
	Description string  `json:"description"`
	Status      string  `json:"status"`
	ResolvedBy  *string `json:"resolvedBy,omitempty"`
	CreatedAt   string  `json:"createdAt"`
	UpdatedAt   string  `json:"updatedAt"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Role:        string(u.Role),
		CreatedAt:   formatTime(u.CreatedAt),
	}
}

func toEntryResponse(e ledger.Entry) entryResponse {
	return entryResponse{ID: e.ID, ExchangeID: e.ExchangeID, Delta: e.Delta, CreatedAt: formatTime(e.CreatedAt)}
}

func toBookResponse(b book.Book) bookResponse {
	return bookResponse{
		ID:                     b.ID,
		OwnerID:                b.OwnerID,
		Title:                  b.Title,
		Author:                 b.Author,
		ISBN:                   b.ISBN,
		Condition:              string(b.Condition),
		IsAvailable:            b.IsAvailable,
		Deleted:                b.Deleted,
		ComputedPoints:         b.ComputedPoints,
		PointsLastCalculatedAt: formatTimePtr(b.PointsLastCalculatedAt),
		CreatedAt:              formatTime(b.CreatedAt),
	}
}

func toExchangeResponse(ex exchange.Exchange) exchangeResponse {
	return exchangeResponse{
		ID:          ex.ID,
		BookID:      ex.BookID,
		FromUserID:  ex.FromUserID,
		ToUserID:    ex.ToUserID,
		PointsUsed:  ex.PointsUsed,
		Status:      string(ex.Status),
		CreatedAt:   formatTime(ex.CreatedAt),
		CompletedAt: formatTimePtr(ex.CompletedAt),
	}
}

func toReportResponse(r report.Report) reportResponse {
	return reportResponse{
		ID:          r.ID,
		ExchangeID:  r.ExchangeID,
		ReporterID:  r.ReporterID,
		Reason:      string(r.Reason),
		Description: r.Description,
		Status:      string(r.Status),
		ResolvedBy:  r.ResolvedBy,
		CreatedAt:   formatTime(r.CreatedAt),
		UpdatedAt:   formatTime(r.UpdatedAt),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			s.log().Warn("health check failed", "error", err)
			respondWithError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.respondDecodeError(w, err)
		return
	}
	user, err := s.authService.Register(r.Context(), auth.RegisterRequest{
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		s.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.respondDecodeError(w, err)
		return
	}
	res, err := s.authService.Login(r.Context(), auth.LoginRequest{Email: req.Email, Password: req.Password})
	if err != nil {
		s.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, loginResponse{Token: res.Token, User: toUserResponse(res.User)})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	user, err := s.authService.GetUserByID(r.Context(), userID)
	if err != nil {
		s.respondWithDomainError(w, r, err)
		return
	}
	balance, err := s.ledger.Balance(r.Context(), userID)
	if err != nil {
		s.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, meResponse{User: toUserResponse(*user), Balance: balance})
}

func (s *Server) handleMyEntries(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.ledger.Entries(r.Context(), userIDFromContext(r.Context()), limit)
	if err != nil {
		s.respondWithDomainError(w, r, err)
		return
	}
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryResponse(e))
	}
	respondWithJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateBook(w http.ResponseWriter, r *http.Request) {
	var req createBookRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.respondDecodeError(w, err)
		return
	}
	b, err := s.bookService.Create(r.Context(), book.CreateParams{
		OwnerID:   userIDFromContext(r.Context()),
		Title:     req.Title,
		Author:    req.Author,
		ISBN:      req.ISBN,
		Condition: book.Condition(strings.ToUpper(strings.TrimSpace(req.Condition))),
	})
	if err != nil {
		s.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, toBookResponse(b))
}

func (s *Server) handleMyBooks(w http.ResponseWriter, r *http.Request) {
	books, err := s.bookService.ListByOwner(r.Context(), userIDFromContext(r.Context()))
	if err != nil {
		s.respondWithDomainError(w, r, err)
		return
	}
	out := make([]bookResponse, 0, len(books))
	for _, b := range books {
		out = append(out, toBookResponse(b))
	}
	respondWithJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	b, err := s.bookService.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toBookResponse(b))
}

func (s *Server) handleDeleteBook(w http.ResponseWriter, r *http.Request) {
	b, err := s.bookService.SoftDelete(r.Context(), mux.Vars(r)["id"], userIDFromContext(r.Context()))
	if err != nil {
		s.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toBookResponse(b))
}

func (s *Server) handleBookPoints(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	points, err := s.valuationService.BookPoints(r.Context(), id)
	if err != nil {
		s.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, pointsResponse{BookID: id, Points: points})
}

func (s *Server) handleSetAvailability(w http.ResponseWriter, r *http.Request) {
	var req availabilityRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.respondDecodeError(w, err)
		return
	}
	b, err := s.bookService.SetAvailability(r.Context(), mux.Vars(r)["id"], userIDFromContext(r.Context()), *req.Available)
	if err != nil {
		s.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toBookResponse(b))
}

func (s *Server) handleRequestExchange(w http.ResponseWriter, r *http.Request) {
	var req requestExchangeRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.respondDecodeError(w, err)
		return
	}
	ex, err := s.exchangeService.Request(r.Context(), req.BookID, userIDFromContext(r.Context()))
	if err != nil {
		s.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, toExchangeResponse(ex))
}

func (s *Server) handleListExchanges(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	size, err := queryInt(r, "page_size", 0)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := exchange.Status(strings.ToUpper(r.URL.Query().Get("status")))
	if status != "" && !status.Valid() {
		respondWithError(w, http.StatusBadRequest, "unknown status "+string(status))
		return
	}

	userID, err := queryID(r, "user_id")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	bookID, err := queryID(r, "book_id")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter := exchange.Filter{
		UserID:   userID,
		BookID:   bookID,
		Status:   status,
		Page:     page,
		PageSize: size,
	}
	list, err := s.exchangeService.List(r.Context(), filter, userIDFromContext(r.Context()), isAdmin(r.Context()))
	if err != nil {
		s.respondWithDomainError(w, r, err)
		return
	}
	out := make([]exchangeResponse, 0, len(list))
	for _, ex := range list {
		out = append(out, toExchangeResponse(ex))
	}
	respondWithJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetExchange(w http.ResponseWriter, r *http.Request) {
	ex, err := s.exchangeService.Get(r.Context(), mux.Vars(r)["id"], userIDFromContext(r.Context()), isAdmin(r.Context()))
	if err != nil {
		s.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toExchangeResponse(ex))
}

func (s *Server) handleCancelExchange(w http.ResponseWriter, r *http.Request) {
	if err := s.exchangeService.Cancel(r.Context(), mux.Vars(r)["id"], userIDFromContext(r.Context())); err != nil {
		s.respondWithDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleApproveExchange(w http.ResponseWriter, r *http.Request) {
	ex, err := s.exchangeService.Approve(r.Context(), mux.Vars(r)["id"], userIDFromContext(r.Context()))
	if err != nil {
		s.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toExchangeResponse(ex))
}

func (s *Server) handleRejectExchange(w http.ResponseWriter, r *http.Request) {
	ex, err := s.exchangeService.Reject(r.Context(), mux.Vars(r)["id"], userIDFromContext(r.Context()))
	if err != nil {
		s.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toExchangeResponse(ex))
}

func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	var req createReportRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.respondDecodeError(w, err)
		return
	}
	rep, err := s.reportService.Create(r.Context(), report.CreateParams{
		ExchangeID:  mux.Vars(r)["id"],
		ReporterID:  userIDFromContext(r.Context()),
		Reason:      report.Reason(strings.ToUpper(strings.TrimSpace(req.Reason))),
		Description: req.Description,
	})
	if err != nil {
		s.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, toReportResponse(rep))
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := report.Status(strings.ToUpper(r.URL.Query().Get("status")))
	if status != "" && !status.Valid() {
		respondWithError(w, http.StatusBadRequest, "unknown status "+string(status))
		return
	}
	reporterID, err := queryID(r, "reporter_id")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	exchangeID, err := queryID(r, "exchange_id")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := report.Filter{
		ReporterID: reporterID,
		ExchangeID: exchangeID,
		Status:     status,
		Limit:      limit,
	}
	list, err := s.reportService.List(r.Context(), filter, userIDFromContext(r.Context()))
	if err != nil {
		s.respondWithDomainError(w, r, err)
		return
	}
	out := make([]reportResponse, 0, len(list))
	for _, rep := range list {
		out = append(out, toReportResponse(rep))
	}
	respondWithJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.reportService.Get(r.Context(), mux.Vars(r)["id"], userIDFromContext(r.Context()))
	if err != nil {
		s.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toReportResponse(rep))
}

func (s *Server) handleReviewReport(w http.ResponseWriter, r *http.Request) {
	s.adminReportAction(w, r, s.reportService.StartReview)
}

func (s *Server) handleResolveReport(w http.ResponseWriter, r *http.Request) {
	s.adminReportAction(w, r, s.reportService.Resolve)
}

func (s *Server) handleRejectReport(w http.ResponseWriter, r *http.Request) {
	s.adminReportAction(w, r, s.reportService.Reject)
}

type reportAction func(ctx context.Context, reportID, adminID string) (report.Report, error)

func (s *Server) adminReportAction(w http.ResponseWriter, r *http.Request, action reportAction) {
	rep, err := action(r.Context(), mux.Vars(r)["id"], userIDFromContext(r.Context()))
	if err != nil {
		s.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toReportResponse(rep))
}

// queryID returns the canonical form of an optional uuid query parameter.
func queryID(r *http.Request, key string) (string, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return "", nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid %s", key)
	}
	return id.String(), nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return n, nil
}
