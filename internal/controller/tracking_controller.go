// internal/controller/tracking_controller.go
package controller

import (
	"context"
	"html/template"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/outreach-backend/internal/errors"
	"github.com/unclebandit/outreach-backend/internal/model"
	"github.com/unclebandit/outreach-backend/internal/sender"
)

// 1x1 transparent GIF
var pixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

var pageTmpl = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body style="font-family:sans-serif;text-align:center;padding-top:60px;">
<h2>{{.Title}}</h2>
<p>{{.Message}}</p>
</body></html>
`))

// TrackingStore is the state the emailed links touch.
type TrackingStore interface {
	GetEmailRecord(ctx context.Context, id string) (*model.EmailRecord, error)
	MarkOpened(ctx context.Context, id string, at time.Time) error
	UnsubscribeContact(ctx context.Context, id string) error
}

type TrackingController struct {
	Store   TrackingStore
	Tracker sender.Tracker
	Now     func() time.Time
	Logger  *zap.Logger
}

func NewTrackingController(store TrackingStore, tracker sender.Tracker, logger *zap.Logger) *TrackingController {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TrackingController{Store: store, Tracker: tracker, Now: time.Now, Logger: logger}
}

func (c *TrackingController) Routes(r chi.Router) {
	r.Get("/track/open/{id}", c.TrackOpen)
	r.Get("/unsubscribe/{id}", c.Unsubscribe)
}

// TrackOpen always answers with the pixel; recording the open is best effort.
func (c *TrackingController) TrackOpen(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if c.Tracker.Verify(id, r.URL.Query().Get("sig")) {
		if err := c.Store.MarkOpened(r.Context(), id, c.Now().UTC()); err != nil {
			c.Logger.Debug("open not recorded", zap.String("email_record_id", id), zap.Error(err))
		}
	} else {
		c.Logger.Debug("open with bad signature", zap.String("email_record_id", id))
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pixel)
}

func (c *TrackingController) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !c.Tracker.Verify(id, r.URL.Query().Get("sig")) {
		page(w, http.StatusForbidden, "Link not valid", "This unsubscribe link is not valid.")
		return
	}

	// 1. Resolve the email to its contact
	rec, err := c.Store.GetEmailRecord(r.Context(), id)
	if err != nil {
		if appErrors.IsNotFound(err) {
			page(w, http.StatusNotFound, "Link not valid", "We could not find this email.")
			return
		}
		c.Logger.Error("unsubscribe lookup", zap.String("email_record_id", id), zap.Error(err))
		page(w, http.StatusInternalServerError, "Something went wrong", "Please try again later.")
		return
	}

	// 2. Mark the contact
	if err := c.Store.UnsubscribeContact(r.Context(), rec.ContactID); err != nil {
		c.Logger.Error("unsubscribe contact", zap.String("contact_id", rec.ContactID), zap.Error(err))
		page(w, http.StatusInternalServerError, "Something went wrong", "Please try again later.")
		return
	}

	c.Logger.Info("contact unsubscribed", zap.String("contact_id", rec.ContactID), zap.String("email_record_id", id))
	page(w, http.StatusOK, "You're unsubscribed", "You will not receive further emails from us.")
}

func page(w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = pageTmpl.Execute(w, struct{ Title, Message string }{title, message})
}
