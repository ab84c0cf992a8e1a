// Package handlers is the thin HTTP boundary over the circle engine. It
// decodes requests, resolves the verified user id and maps taxonomy errors
// to statuses; all business rules live in the internal services.
package handlers

import (
	"net/http"

	"github.com/koredeycode/contri-api/internal/circle"
	"github.com/koredeycode/contri-api/internal/contribution"
	"github.com/koredeycode/contri-api/internal/httputil"
	"github.com/koredeycode/contri-api/internal/ledger"
	"github.com/koredeycode/contri-api/internal/middleware"
	"github.com/koredeycode/contri-api/internal/webhook"
	"gorm.io/gorm"
)

type Handler struct {
	DB         *gorm.DB
	Ledger     *ledger.Service
	Circles    *circle.Service
	Contrib    *contribution.Service
	Reconciler *webhook.Reconciler
}

func New(db *gorm.DB, l *ledger.Service, c *circle.Service, t *contribution.Service, r *webhook.Reconciler) *Handler {
	return &Handler{DB: db, Ledger: l, Circles: c, Contrib: t, Reconciler: r}
}

// currentUser pulls the verified user id out of the request context, set by
// the auth middleware.
func currentUser(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, ok := middleware.UserID(r.Context())
	if !ok {
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
	}
	return id, ok
}
