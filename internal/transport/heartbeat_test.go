package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bzinkan/ClassPilot-sub001/internal/domain"
)

type stubTabs struct {
	tabs []domain.Tab
	err  error
}

func (s *stubTabs) ActiveTab(ctx context.Context) (*domain.Tab, error) {
	if s.err != nil || len(s.tabs) == 0 {
		return nil, s.err
	}
	return &s.tabs[0], nil
}

func (s *stubTabs) ListTabs(ctx context.Context) ([]domain.Tab, error) {
	return s.tabs, s.err
}

func (s *stubTabs) OpenTab(ctx context.Context, url string) error { return nil }

func (s *stubTabs) CloseTab(ctx context.Context, id string) error { return nil }

func (s *stubTabs) NavigateTab(ctx context.Context, id, url string) error { return nil }

func (s *stubTabs) SendMessage(ctx context.Context, id string, p []byte) error { return nil }

type stubCamera struct{ inUse bool }

func (s *stubCamera) InUse(ctx context.Context) (bool, error) { return s.inUse, nil }

type stubStatus struct{}

func (stubStatus) Status() (string, string) { return "unlocked", "none" }

func newTestReporter(srvURL string, tabs *stubTabs, state domain.TrackingState, token string) *Reporter {
	client := NewClient(srvURL, zap.NewNop())
	return NewReporter(
		client,
		tabs,
		&stubCamera{inUse: true},
		stubStatus{},
		func() domain.AgentIdentity {
			return domain.AgentIdentity{DeviceID: "dev-1", AuthToken: token, Registered: token != ""}
		},
		func() domain.TrackingState { return state },
		zap.NewNop(),
	)
}

func TestReporter_SendsSnapshot(t *testing.T) {
	var got domain.HeartbeatSnapshot
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/heartbeat", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	tabs := &stubTabs{tabs: []domain.Tab{
		{ID: "t1", URL: "https://ixl.com/math", Title: "IXL"},
		{ID: "t2", URL: "chrome://settings", Title: "Settings"},
		{ID: "t3", URL: "https://docs.google.com", Title: "Doc"},
	}}
	r := newTestReporter(srv.URL, tabs, domain.TrackingActive, "tok")

	require.NoError(t, r.Send(context.Background(), "tick"))

	assert.Equal(t, "dev-1", got.DeviceID)
	assert.Equal(t, domain.TrackingActive, got.TrackingStatus)
	assert.True(t, got.CameraActive)
	require.NotNil(t, got.ActiveTab)
	assert.Equal(t, "t1", got.ActiveTab.ID)

	// Non-web tabs are filtered from the report.
	require.Len(t, got.AllTabs, 2)
	assert.Equal(t, "https://ixl.com/math", got.AllTabs[0].URL)
	assert.Equal(t, "https://docs.google.com", got.AllTabs[1].URL)
}

func TestReporter_OffStateMakesNoNetworkCall(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	r := newTestReporter(srv.URL, &stubTabs{}, domain.TrackingOff, "tok")
	require.NoError(t, r.Send(context.Background(), "tick"))
	assert.Zero(t, calls.Load())
}

func TestReporter_UnregisteredMakesNoNetworkCall(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	r := newTestReporter(srv.URL, &stubTabs{}, domain.TrackingActive, "")
	require.NoError(t, r.Send(context.Background(), "tick"))
	assert.Zero(t, calls.Load())
}

func TestReporter_AuthExpiredFiresCallbackAndDropsSend(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	r := newTestReporter(srv.URL, &stubTabs{}, domain.TrackingActive, "stale")
	var authExpired int
	r.OnAuthExpired = func() { authExpired++ }

	err := r.Send(context.Background(), "tick")
	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.Equal(t, 1, authExpired)
	// No in-place retry: one request per send.
	assert.Equal(t, int32(1), calls.Load())
}

func TestReporter_LicenseInactiveFiresCallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	r := newTestReporter(srv.URL, &stubTabs{}, domain.TrackingActive, "tok")
	var inactive int
	r.OnLicenseInactive = func() { inactive++ }

	err := r.Send(context.Background(), "tick")
	assert.ErrorIs(t, err, ErrLicenseInactive)
	assert.Equal(t, 1, inactive)
}

func TestReporter_TransientFailureOnlySetsFailing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	r := newTestReporter(srv.URL, &stubTabs{}, domain.TrackingActive, "tok")
	var authExpired, inactive int
	r.OnAuthExpired = func() { authExpired++ }
	r.OnLicenseInactive = func() { inactive++ }

	require.Error(t, r.Send(context.Background(), "tick"))
	assert.True(t, r.Failing())
	assert.Zero(t, authExpired)
	assert.Zero(t, inactive)
}

func TestTruncateKeepsRuneBoundaries(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "abc", truncate("abcdef", 3))

	// Multibyte titles are cut on a rune boundary, never mid-sequence.
	s := "数学のテスト" // 3 bytes per rune
	assert.Equal(t, "数", truncate(s, 4))
	assert.Equal(t, "数学", truncate(s, 6))
	for i := 0; i <= len(s); i++ {
		assert.True(t, utf8.ValidString(truncate(s, i)), "cut at %d", i)
	}
}

func TestReporter_ReusesLastTabsOnTransientEmptyList(t *testing.T) {
	var got domain.HeartbeatSnapshot
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	tabs := &stubTabs{tabs: []domain.Tab{{ID: "t1", URL: "https://ixl.com"}}}
	r := newTestReporter(srv.URL, tabs, domain.TrackingActive, "tok")

	require.NoError(t, r.Send(context.Background(), "tick"))
	require.Len(t, got.AllTabs, 1)

	// The browser briefly reports nothing; the last good list is reused.
	tabs.tabs = nil
	require.NoError(t, r.Send(context.Background(), "tick"))
	require.Len(t, got.AllTabs, 1)
	assert.Equal(t, "https://ixl.com", got.AllTabs[0].URL)
}
