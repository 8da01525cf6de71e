package tracking

import (
	"html/template"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lovelink/mailer/internal/domain"
	"github.com/lovelink/mailer/internal/mailing"
)

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

var unsubscribePage = template.Must(template.New("unsubscribe").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><meta name="viewport" content="width=device-width,initial-scale=1"><title>Unsubscribed</title></head>
<body style="font-family:Arial,sans-serif;text-align:center;padding:50px;">
<h1>You have been unsubscribed</h1>
<p>You will no longer receive marketing emails from {{.Brand}}.</p>
{{if .HomeURL}}<p><a href="{{.HomeURL}}">Back to {{.Brand}}</a></p>{{end}}
</body></html>`))

// Handler serves the public open, click and unsubscribe endpoints.
type Handler struct {
	recorder    Recorder
	tracker     *mailing.Tracker
	fallbackURL string
	homeURL     string
	brand       string
	now         func() time.Time
}

// NewHandler creates the tracking handler. fallbackURL receives clicks
// whose signature does not verify; when empty they go to the tracker's
// base URL.
func NewHandler(recorder Recorder, tracker *mailing.Tracker, fallbackURL, brand string) *Handler {
	if brand == "" {
		brand = "LoveLink"
	}
	redirect := fallbackURL
	if redirect == "" {
		redirect = tracker.BaseURL() + "/"
	}
	return &Handler{
		recorder:    recorder,
		tracker:     tracker,
		fallbackURL: redirect,
		homeURL:     fallbackURL,
		brand:       brand,
		now:         time.Now,
	}
}

// Register mounts the tracking routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/t/open/{trackingID}", h.HandleOpen)
	r.Get("/t/click/{trackingID}", h.HandleClick)
	r.Get("/unsubscribe/{trackingID}", h.HandleUnsubscribe)
	r.Post("/unsubscribe/{trackingID}", h.HandleUnsubscribe)
}

// HandleOpen records an open and serves the pixel.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	if id, ok := trackingID(r); ok {
		h.record(r, domain.EventOpen, id, "")
	}
	servePixel(w)
}

// HandleClick records a click and redirects to the original link. Links
// with a missing or invalid signature go to the fallback URL unrecorded.
func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	sig := r.URL.Query().Get("sig")

	id, ok := trackingID(r)
	if !ok || !isHTTPURL(target) || !h.tracker.Verify(id, target, sig) {
		log.Printf("[Tracking] Rejected click link (tracking_id=%q)", chi.URLParam(r, "trackingID"))
		http.Redirect(w, r, h.fallbackURL, http.StatusFound)
		return
	}

	h.record(r, domain.EventClick, id, target)
	http.Redirect(w, r, target, http.StatusFound)
}

// HandleUnsubscribe records an unsubscribe for GET link clicks and RFC 8058
// one-click POSTs alike, then renders the confirmation page.
func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if id, ok := trackingID(r); ok {
		h.record(r, domain.EventUnsubscribe, id, "")
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	data := struct{ Brand, HomeURL string }{h.brand, h.homeURL}
	if err := unsubscribePage.Execute(w, data); err != nil {
		log.Printf("[Tracking] render unsubscribe page: %v", err)
	}
}

func (h *Handler) record(r *http.Request, eventType domain.TrackingEventType, id, link string) {
	h.recorder.Record(domain.TrackingEvent{
		EventType:  eventType,
		TrackingID: id,
		LinkURL:    link,
		IPAddress:  realIP(r),
		UserAgent:  r.UserAgent(),
		OccurredAt: h.now().UTC(),
	})
}

// trackingID returns the normalized tracking id path parameter. Tracking
// ids are UUIDs; anything else cannot match a send record.
func trackingID(r *http.Request) (string, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "trackingID"))
	if err != nil {
		return "", false
	}
	return id.String(), true
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Write(pixelGIF)
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
