//go:build integration

package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/bzinkan/ClassPilot-sub001/internal/config"
	"github.com/bzinkan/ClassPilot-sub001/internal/domain"
	"github.com/bzinkan/ClassPilot-sub001/internal/infra"
	"github.com/bzinkan/ClassPilot-sub001/internal/policy"
	"github.com/bzinkan/ClassPilot-sub001/internal/tracking"
	"github.com/bzinkan/ClassPilot-sub001/internal/transport"
)

// recordingTabs is a minimal tab service for enforcement scenarios.
type recordingTabs struct {
	mu     sync.Mutex
	tabs   []domain.Tab
	closed []string
}

func (r *recordingTabs) ActiveTab(ctx context.Context) (*domain.Tab, error) {
	if len(r.tabs) == 0 {
		return nil, nil
	}
	return &r.tabs[0], nil
}
func (r *recordingTabs) ListTabs(ctx context.Context) ([]domain.Tab, error) { return r.tabs, nil }

func (r *recordingTabs) OpenTab(ctx context.Context, url string) error { return nil }

func (r *recordingTabs) CloseTab(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, id)
	return nil
}
func (r *recordingTabs) NavigateTab(ctx context.Context, id, url string) error     { return nil }
func (r *recordingTabs) SendMessage(ctx context.Context, id string, p []byte) error { return nil }

type silentNotifier struct{}

func (silentNotifier) Notify(title, body string) {}

type nopSink struct{}

func (nopSink) ReportEvent(eventType string, metadata map[string]any) {}

var _ = Describe("Enforcement across restarts", func() {
	var (
		dataDir string
		key     []byte
		ctx     context.Context
	)

	BeforeEach(func() {
		dataDir = GinkgoT().TempDir()
		ctx = context.Background()

		var err error
		key, err = config.NewFileKeyProvider(dataDir).EnsureKey()
		Expect(err).NotTo(HaveOccurred())
	})

	newEngine := func(store *config.Store) *policy.Engine {
		return policy.NewEngine(
			infra.NewMemoryRuleEngine(), store, &recordingTabs{},
			silentNotifier{}, nopSink{}, zap.NewNop())
	}

	It("restores the lock and global block list but not the session list", func() {
		store, err := config.Open(dataDir, key)
		Expect(err).NotTo(HaveOccurred())

		engine := newEngine(store)
		Expect(engine.ApplyLock(ctx, domain.Lock{
			Mode: domain.LockAllowList, Name: "math",
			Domains: []string{"ixl.com", "desmos.com"},
		})).To(Succeed())
		engine.ApplyBlockList(ctx, []string{"youtube.com"}, domain.ScopeGlobal)
		engine.ApplyBlockList(ctx, []string{"coolmath.com"}, domain.ScopeSession)

		// Simulated crash: close the store and build a fresh stack on
		// the same data directory.
		Expect(store.Close()).To(Succeed())
		store2, err := config.Open(dataDir, key)
		Expect(err).NotTo(HaveOccurred())
		defer store2.Close()

		engine2 := newEngine(store2)
		Expect(engine2.Restore(ctx)).To(Succeed())

		Expect(engine2.Lock().Mode).To(Equal(domain.LockAllowList))
		Expect(engine2.Lock().Domains).To(ConsistOf("ixl.com", "desmos.com"))
		Expect(engine2.Evaluate("https://youtube.com").Verdict).To(Equal(policy.VerdictBlockedGlobal))

		// The teacher session did not survive the restart; its list is gone.
		Expect(engine2.Evaluate("https://coolmath.com").Allowed()).To(BeFalse(),
			"coolmath is outside the restored lock's allow set")
		Expect(engine2.BlockedDomains()).To(Equal([]string{"youtube.com"}))
	})

	It("keeps the device identity across restarts", func() {
		store, err := config.Open(dataDir, key)
		Expect(err).NotTo(HaveOccurred())

		id := domain.AgentIdentity{
			DeviceID: "dev-1", AccountEmail: "kid@school.org",
			AuthToken: "tok", Registered: true,
		}
		Expect(store.SaveIdentity(id)).To(Succeed())
		Expect(store.Close()).To(Succeed())

		store2, err := config.Open(dataDir, key)
		Expect(err).NotTo(HaveOccurred())
		defer store2.Close()
		Expect(store2.LoadIdentity()).To(Equal(id))
	})
})

var _ = Describe("License freeze and recovery", func() {
	It("freezes to OFF on entitlement denial and resumes on a positive check", func() {
		ctx := context.Background()

		var licensed atomic.Bool
		licensed.Store(false)
		var heartbeats atomic.Int32

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/heartbeat":
				heartbeats.Add(1)
				if !licensed.Load() {
					w.WriteHeader(http.StatusPaymentRequired)
				}
			case "/status":
				w.Write([]byte(`{"active":` + boolJSON(licensed.Load()) + `,"planStatus":"trial"}`))
			}
		}))
		defer srv.Close()

		client := transport.NewClient(srv.URL, zap.NewNop())

		licenseActive := true
		machine := tracking.NewMachine(tracking.Hooks{}, zap.NewNop())

		reporter := transport.NewReporter(
			client, &recordingTabs{}, nil, statusStub{},
			func() domain.AgentIdentity {
				return domain.AgentIdentity{DeviceID: "dev-1", AuthToken: "tok", Registered: true}
			},
			func() domain.TrackingState { return machine.State() },
			zap.NewNop(),
		)
		reporter.OnLicenseInactive = func() {
			licenseActive = false
			machine.Reevaluate(true, false, licenseActive)
		}

		// Within hours, licensed: tracking comes up ACTIVE.
		machine.Reevaluate(true, false, licenseActive)
		Expect(machine.State()).To(Equal(domain.TrackingActive))

		// The first heartbeat hits the 402 and freezes tracking.
		Expect(reporter.Send(ctx, "tick")).To(MatchError(transport.ErrLicenseInactive))
		Expect(machine.State()).To(Equal(domain.TrackingOff))

		// While OFF, sends are suppressed entirely: no network calls.
		before := heartbeats.Load()
		Expect(reporter.Send(ctx, "tick")).To(Succeed())
		Expect(reporter.Send(ctx, "tick")).To(Succeed())
		Expect(heartbeats.Load()).To(Equal(before))

		// The license poll keeps running and observes recovery.
		licensed.Store(true)
		state, err := client.CheckLicense(ctx, "tok", "")
		Expect(err).NotTo(HaveOccurred())
		Expect(state.Active).To(BeTrue())

		licenseActive = true
		machine.Reevaluate(true, false, licenseActive)
		Expect(machine.State()).To(Equal(domain.TrackingActive))

		// Heartbeats flow again.
		Expect(reporter.Send(ctx, "tick")).To(Succeed())
		Expect(heartbeats.Load()).To(Equal(before + 1))
	})
})

type statusStub struct{}

func (statusStub) Status() (string, string) { return "unlocked", "none" }

func boolJSON(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
