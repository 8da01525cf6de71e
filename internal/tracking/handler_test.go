package tracking

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lovelink/mailer/internal/domain"
	"github.com/lovelink/mailer/internal/mailing"
)

const testTrackingID = "0b8f5a4e-3c2d-4e1f-9a7b-6c5d4e3f2a1b"

type memRecorder struct {
	mu     sync.Mutex
	events []domain.TrackingEvent
}

func (m *memRecorder) Record(ev domain.TrackingEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func newTestRouter(t *testing.T) (http.Handler, *memRecorder, *mailing.Tracker) {
	t.Helper()
	rec := &memRecorder{}
	tracker := mailing.NewTracker("https://t.lovelink.app", "secret")
	r := chi.NewRouter()
	NewHandler(rec, tracker, "https://lovelink.app", "").Register(r)
	return r, rec, tracker
}

func TestHandleOpen_ServesPixelAndRecords(t *testing.T) {
	router, rec, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/t/open/"+testTrackingID, nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	req.Header.Set("User-Agent", "Mozilla/5.0")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/gif", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Cache-Control"), "no-store")
	assert.Equal(t, pixelGIF, w.Body.Bytes())

	require.Len(t, rec.events, 1)
	ev := rec.events[0]
	assert.Equal(t, domain.EventOpen, ev.EventType)
	assert.Equal(t, testTrackingID, ev.TrackingID)
	assert.Equal(t, "203.0.113.9", ev.IPAddress)
	assert.Equal(t, "Mozilla/5.0", ev.UserAgent)
}

func TestHandleOpen_MalformedIDStillServesPixel(t *testing.T) {
	router, rec, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/t/open/not-a-uuid", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, pixelGIF, w.Body.Bytes())
	assert.Empty(t, rec.events)
}

func TestHandleClick(t *testing.T) {
	router, rec, tracker := newTestRouter(t)
	target := "https://lovelink.app/matches?ref=email"

	t.Run("valid signature redirects to target", func(t *testing.T) {
		link := strings.TrimPrefix(tracker.ClickURL(testTrackingID, target), "https://t.lovelink.app")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, link, nil))

		assert.Equal(t, http.StatusFound, w.Code)
		assert.Equal(t, target, w.Header().Get("Location"))
		require.Len(t, rec.events, 1)
		assert.Equal(t, domain.EventClick, rec.events[0].EventType)
		assert.Equal(t, target, rec.events[0].LinkURL)
	})

	t.Run("tampered target goes to fallback", func(t *testing.T) {
		rec.events = nil
		link := tracker.ClickURL(testTrackingID, target)
		link = strings.Replace(link, "lovelink.app%2Fmatches", "evil.example%2Fphish", 1)
		link = strings.TrimPrefix(link, "https://t.lovelink.app")

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, link, nil))

		assert.Equal(t, http.StatusFound, w.Code)
		assert.Equal(t, "https://lovelink.app", w.Header().Get("Location"))
		assert.Empty(t, rec.events)
	})

	t.Run("missing url goes to fallback", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/t/click/"+testTrackingID, nil))

		assert.Equal(t, http.StatusFound, w.Code)
		assert.Equal(t, "https://lovelink.app", w.Header().Get("Location"))
	})
}

func TestHandleClick_NoFallbackConfiguredUsesTrackingHost(t *testing.T) {
	tracker := mailing.NewTracker("https://t.lovelink.app", "secret")
	r := chi.NewRouter()
	NewHandler(&memRecorder{}, tracker, "", "").Register(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/t/click/"+testTrackingID+"?url=https%3A%2F%2Fevil.example&sig=bad", nil))

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://t.lovelink.app/", w.Header().Get("Location"))
}

func TestHandleUnsubscribe(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodPost} {
		t.Run(method, func(t *testing.T) {
			router, rec, _ := newTestRouter(t)

			req := httptest.NewRequest(method, "/unsubscribe/"+testTrackingID, strings.NewReader("List-Unsubscribe=One-Click"))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
			assert.Contains(t, w.Body.String(), "You have been unsubscribed")
			assert.Contains(t, w.Body.String(), "LoveLink")
			require.Len(t, rec.events, 1)
			assert.Equal(t, domain.EventUnsubscribe, rec.events[0].EventType)
		})
	}
}
