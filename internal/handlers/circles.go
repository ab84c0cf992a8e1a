package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/koredeycode/contri-api/internal/circle"
	"github.com/koredeycode/contri-api/internal/httputil"
	"github.com/koredeycode/contri-api/internal/models"
	"github.com/koredeycode/contri-api/internal/money"
)

type CreateCircleRequest struct {
	Name             string `json:"name"`
	Amount           string `json:"amount"`
	Frequency        string `json:"frequency"`
	TargetMembers    int    `json:"target_members"`
	PayoutPreference string `json:"payout_preference"`
	Currency         string `json:"currency"`
}

type CircleResponse struct {
	ID            uint       `json:"id"`
	Name          string     `json:"name"`
	Amount        string     `json:"amount"`
	Frequency     string     `json:"frequency"`
	Status        string     `json:"status"`
	CurrentCycle  int        `json:"current_cycle"`
	TargetMembers int        `json:"target_members"`
	InviteCode    string     `json:"invite_code"`
	CycleStart    *time.Time `json:"cycle_start,omitempty"`
}

type JoinCircleRequest struct {
	InviteCode string `json:"invite_code"`
}

type MemberResponse struct {
	UserID      uint   `json:"user_id"`
	PayoutOrder int    `json:"payout_order"`
	Role        string `json:"role"`
}

type ContributionResponse struct {
	CycleNumber int        `json:"cycle_number"`
	Amount      string     `json:"amount"`
	Status      string     `json:"status"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
}

func circleResponse(c *models.Circle) CircleResponse {
	return CircleResponse{
		ID:            c.ID,
		Name:          c.Name,
		Amount:        money.FormatMinor(c.Amount),
		Frequency:     string(c.Frequency),
		Status:        string(c.Status),
		CurrentCycle:  c.CurrentCycle,
		TargetMembers: c.TargetMembers,
		InviteCode:    c.InviteCode,
		CycleStart:    c.CycleStart,
	}
}

func circleID(r *http.Request) (uint, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return uint(id), true
}

func (h *Handler) CreateCircle(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req CreateCircleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := money.ParseMinor(req.Amount)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	c, err := h.Circles.Create(r.Context(), userID, circle.CreateParams{
		Name:          req.Name,
		Amount:        amount,
		Frequency:     models.CircleFrequency(req.Frequency),
		TargetMembers: req.TargetMembers,
		PayoutPolicy:  models.PayoutPolicy(req.PayoutPreference),
		Currency:      req.Currency,
	})
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, circleResponse(c))
}

func (h *Handler) ListCircles(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	circles, err := h.Circles.ListForUser(r.Context(), userID)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	out := make([]CircleResponse, 0, len(circles))
	for i := range circles {
		out = append(out, circleResponse(&circles[i]))
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) GetCircle(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	id, ok := circleID(r)
	if !ok {
		httputil.WriteError(w, http.StatusBadRequest, "invalid circle id")
		return
	}
	c, err := h.Circles.Get(r.Context(), userID, id)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, circleResponse(c))
}

func (h *Handler) JoinCircle(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req JoinCircleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.InviteCode == "" {
		httputil.WriteError(w, http.StatusBadRequest, "invite_code is required")
		return
	}
	c, err := h.Circles.Join(r.Context(), userID, req.InviteCode)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, circleResponse(c))
}

func (h *Handler) StartCircle(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	id, ok := circleID(r)
	if !ok {
		httputil.WriteError(w, http.StatusBadRequest, "invalid circle id")
		return
	}
	c, err := h.Circles.Start(r.Context(), userID, id)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, circleResponse(c))
}

func (h *Handler) CancelCircle(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	id, ok := circleID(r)
	if !ok {
		httputil.WriteError(w, http.StatusBadRequest, "invalid circle id")
		return
	}
	if err := h.Circles.Cancel(r.Context(), userID, id); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// Contribute pays the caller's obligation for the circle's current cycle
// from their wallet.
func (h *Handler) Contribute(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	id, ok := circleID(r)
	if !ok {
		httputil.WriteError(w, http.StatusBadRequest, "invalid circle id")
		return
	}
	c, err := h.Circles.Get(r.Context(), userID, id)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	contrib, err := h.Contrib.Record(r.Context(), c.ID, userID, c.CurrentCycle, c.Amount)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ContributionResponse{
		CycleNumber: contrib.CycleNumber,
		Amount:      money.FormatMinor(contrib.Amount),
		Status:      string(contrib.Status),
		PaidAt:      contrib.PaidAt,
	})
}

func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	id, ok := circleID(r)
	if !ok {
		httputil.WriteError(w, http.StatusBadRequest, "invalid circle id")
		return
	}
	if _, err := h.Circles.Get(r.Context(), userID, id); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	members, err := h.Circles.Members(r.Context(), id)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	out := make([]MemberResponse, 0, len(members))
	for _, m := range members {
		out = append(out, MemberResponse{
			UserID:      m.UserID,
			PayoutOrder: m.PayoutOrder,
			Role:        string(m.Role),
		})
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}
