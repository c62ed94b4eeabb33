package processor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/pauljones0/zdm-digest-bot/internal/config"
	"github.com/pauljones0/zdm-digest-bot/internal/digest"
	"github.com/pauljones0/zdm-digest-bot/internal/filter"
	"github.com/pauljones0/zdm-digest-bot/internal/models"
	"github.com/pauljones0/zdm-digest-bot/internal/notifier"
	"github.com/pauljones0/zdm-digest-bot/internal/storage"
)

// --- Mock implementations ---

type mockStore struct {
	deals       map[string]models.Deal
	upsertCalls int
	upsertErr   error
	loadErr     error
	trimmedTo   int
}

func newMockStore(initial ...models.Deal) *mockStore {
	m := &mockStore{deals: make(map[string]models.Deal)}
	for _, d := range initial {
		m.deals[d.ID] = d
	}
	return m
}

func (m *mockStore) UpsertDeals(ctx context.Context, deals []models.Deal) error {
	m.upsertCalls++
	if m.upsertErr != nil {
		return m.upsertErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, d := range deals {
		if prev, ok := m.deals[d.ID]; ok && prev.Delivered {
			d.Delivered = true
		}
		m.deals[d.ID] = d
	}
	return nil
}

func (m *mockStore) UndeliveredDeals(_ context.Context) ([]models.Deal, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	var out []models.Deal
	for _, d := range m.deals {
		if !d.Delivered {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockStore) DeliveredIDs(_ context.Context) (map[string]struct{}, error) {
	ids := make(map[string]struct{})
	for id, d := range m.deals {
		if d.Delivered {
			ids[id] = struct{}{}
		}
	}
	return ids, nil
}

func (m *mockStore) TrimDelivered(_ context.Context, keep int) error {
	m.trimmedTo = keep
	return nil
}

func (m *mockStore) count(delivered bool) int {
	n := 0
	for _, d := range m.deals {
		if d.Delivered == delivered {
			n++
		}
	}
	return n
}

type mockScraper struct {
	deals []models.Deal
	err   error
}

func (m *mockScraper) ScrapeDealList(_ context.Context) ([]models.Deal, error) {
	return m.deals, m.err
}

type mockDispatcher struct {
	sent   [][]string
	failOn int // 1-based call number that fails; 0 never fails
	err    error
	calls  int
}

func (m *mockDispatcher) Dispatch(_ context.Context, d *digest.Digest) (notifier.Report, error) {
	m.calls++
	if m.failOn == m.calls {
		return notifier.Report{}, m.err
	}
	m.sent = append(m.sent, d.DealIDs)
	return notifier.Report{Sent: []string{"mock"}}, nil
}

// cancelingDispatcher accepts a digest and then cancels the run context.
type cancelingDispatcher struct {
	cancel context.CancelFunc
	calls  int
}

func (c *cancelingDispatcher) Dispatch(_ context.Context, d *digest.Digest) (notifier.Report, error) {
	c.calls++
	c.cancel()
	return notifier.Report{Sent: []string{"mock"}}, nil
}

// --- Helpers ---

func makeDeals(n int, prefix string) []models.Deal {
	deals := make([]models.Deal, n)
	for i := range deals {
		deals[i] = models.Deal{
			ID:           fmt.Sprintf("%s%03d", prefix, i),
			Title:        fmt.Sprintf("Deal %d", i),
			CommentCount: n - i,
			VotedCount:   1,
			OccurredAt:   time.Unix(1700000000+int64(i), 0),
		}
	}
	return deals
}

func newTestProcessor(t *testing.T, store DealStore, s Scraper, d Dispatcher, rules filter.Rules, cfg *config.Config) *DealProcessor {
	t.Helper()
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	r, err := digest.NewRenderer("", time.UTC)
	if err != nil {
		t.Fatalf("NewRenderer() error = %v", err)
	}
	return New(store, s, d, filter.New(rules, false), digest.NewBuilder(cfg.BatchSize, r), cfg)
}

// --- Tests ---

func TestProcessDeals_DeliversAllBatches(t *testing.T) {
	store := newMockStore()
	disp := &mockDispatcher{}
	p := newTestProcessor(t, store, &mockScraper{deals: makeDeals(250, "d")}, disp, filter.Rules{}, &config.Config{MaxStoredDeals: 1000})

	if err := p.ProcessDeals(context.Background()); err != nil {
		t.Fatalf("ProcessDeals() error = %v", err)
	}

	if len(disp.sent) != 3 {
		t.Fatalf("dispatched %d batches, want 3", len(disp.sent))
	}
	for i, want := range []int{100, 100, 50} {
		if len(disp.sent[i]) != want {
			t.Errorf("batch %d has %d deals, want %d", i+1, len(disp.sent[i]), want)
		}
	}
	if got := store.count(true); got != 250 {
		t.Errorf("delivered = %d, want 250", got)
	}
	if store.trimmedTo != 1000 {
		t.Errorf("TrimDelivered called with %d, want 1000", store.trimmedTo)
	}
}

func TestProcessDeals_BatchFailureStopsRun(t *testing.T) {
	store := newMockStore()
	errBoom := &notifier.TransportError{Channel: "wxpusher", Err: errors.New("code 1001")}
	disp := &mockDispatcher{failOn: 2, err: errBoom}
	p := newTestProcessor(t, store, &mockScraper{deals: makeDeals(250, "d")}, disp, filter.Rules{}, &config.Config{})

	err := p.ProcessDeals(context.Background())
	var te *notifier.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("ProcessDeals() error = %v, want TransportError", err)
	}

	if disp.calls != 2 {
		t.Errorf("Dispatch called %d times, want 2 (third batch never attempted)", disp.calls)
	}
	if got := store.count(true); got != 100 {
		t.Errorf("delivered = %d, want 100 (first batch only)", got)
	}
	if got := store.count(false); got != 150 {
		t.Errorf("undelivered = %d, want 150", got)
	}
	for _, id := range disp.sent[0] {
		if !store.deals[id].Delivered {
			t.Errorf("deal %s from the first batch is not delivered", id)
		}
	}
}

func TestProcessDeals_NoChannelConfigured(t *testing.T) {
	store := newMockStore()
	disp := notifier.NewDispatcher(
		notifier.NewEmail("", "465", "", "", ""),
		notifier.NewWxPusher("", "https://wxpusher.example.com"),
		notifier.NewDiscord(""),
		notifier.NewTelegram("", 0),
	)
	p := newTestProcessor(t, store, &mockScraper{deals: makeDeals(5, "d")}, disp, filter.Rules{}, &config.Config{})

	err := p.ProcessDeals(context.Background())
	if !errors.Is(err, notifier.ErrNoChannelConfigured) {
		t.Fatalf("ProcessDeals() error = %v, want ErrNoChannelConfigured", err)
	}
	if got := store.count(true); got != 0 {
		t.Errorf("delivered = %d, want 0", got)
	}
	if got := store.count(false); got != 5 {
		t.Errorf("undelivered = %d, want 5 persisted for the next run", got)
	}
}

func TestProcessDeals_BelowMinPushSize(t *testing.T) {
	store := newMockStore()
	disp := &mockDispatcher{}
	p := newTestProcessor(t, store, &mockScraper{deals: makeDeals(3, "d")}, disp, filter.Rules{}, &config.Config{MinPushSize: 5})

	if err := p.ProcessDeals(context.Background()); err != nil {
		t.Fatalf("ProcessDeals() error = %v", err)
	}
	if disp.calls != 0 {
		t.Errorf("Dispatch called %d times, want 0", disp.calls)
	}
	if got := store.count(false); got != 3 {
		t.Errorf("undelivered = %d, want 3 persisted before the push check", got)
	}
}

func TestProcessDeals_CarriesOverStoredDeals(t *testing.T) {
	carried := models.Deal{ID: "old", Title: "Carried deal", CommentCount: 500}
	store := newMockStore(carried)
	disp := &mockDispatcher{}
	p := newTestProcessor(t, store, &mockScraper{deals: makeDeals(2, "d")}, disp, filter.Rules{}, &config.Config{})

	if err := p.ProcessDeals(context.Background()); err != nil {
		t.Fatalf("ProcessDeals() error = %v", err)
	}
	if len(disp.sent) != 1 || disp.sent[0][0] != "old" {
		t.Fatalf("sent = %v, want the carried deal first", disp.sent)
	}
	if !store.deals["old"].Delivered {
		t.Error("carried deal should be delivered")
	}
}

func TestProcessDeals_SkipsDelivered(t *testing.T) {
	fetched := makeDeals(3, "d")
	already := fetched[1]
	already.Delivered = true
	store := newMockStore(already)
	disp := &mockDispatcher{}
	p := newTestProcessor(t, store, &mockScraper{deals: fetched}, disp, filter.Rules{}, &config.Config{})

	if err := p.ProcessDeals(context.Background()); err != nil {
		t.Fatalf("ProcessDeals() error = %v", err)
	}
	if len(disp.sent) != 1 || len(disp.sent[0]) != 2 {
		t.Fatalf("sent = %v, want two deals", disp.sent)
	}
	for _, id := range disp.sent[0] {
		if id == already.ID {
			t.Errorf("deal %s was delivered twice", id)
		}
	}
}

func TestProcessDeals_AppliesFilter(t *testing.T) {
	deals := []models.Deal{
		{ID: "1", Title: "广告位出租", CommentCount: 3},
		{ID: "2", Title: "耳机特惠", CommentCount: 2},
	}
	store := newMockStore()
	disp := &mockDispatcher{}
	p := newTestProcessor(t, store, &mockScraper{deals: deals}, disp, filter.Rules{Blacklist: []string{"广告"}}, &config.Config{})

	if err := p.ProcessDeals(context.Background()); err != nil {
		t.Fatalf("ProcessDeals() error = %v", err)
	}
	if len(disp.sent) != 1 || fmt.Sprint(disp.sent[0]) != "[2]" {
		t.Errorf("sent = %v, want [[2]]", disp.sent)
	}
	if _, ok := store.deals["1"]; ok {
		t.Error("ineligible deals must not be persisted")
	}
}

func TestProcessDeals_FetchFailureIsNotFatal(t *testing.T) {
	store := newMockStore(models.Deal{ID: "old", Title: "Carried deal"})
	disp := &mockDispatcher{}
	p := newTestProcessor(t, store, &mockScraper{err: errors.New("feed down")}, disp, filter.Rules{}, &config.Config{})

	if err := p.ProcessDeals(context.Background()); err != nil {
		t.Fatalf("ProcessDeals() error = %v", err)
	}
	if len(disp.sent) != 1 {
		t.Errorf("sent = %v, want the stored deal", disp.sent)
	}
}

func TestProcessDeals_StoreErrorsAreFatal(t *testing.T) {
	errDB := errors.New("database is locked")

	t.Run("load", func(t *testing.T) {
		store := newMockStore()
		store.loadErr = errDB
		disp := &mockDispatcher{}
		p := newTestProcessor(t, store, &mockScraper{deals: makeDeals(2, "d")}, disp, filter.Rules{}, &config.Config{})
		if err := p.ProcessDeals(context.Background()); !errors.Is(err, errDB) {
			t.Errorf("ProcessDeals() error = %v, want %v", err, errDB)
		}
		if disp.calls != 0 {
			t.Error("nothing should be sent when the store cannot be read")
		}
	})

	t.Run("persist", func(t *testing.T) {
		store := newMockStore()
		store.upsertErr = errDB
		disp := &mockDispatcher{}
		p := newTestProcessor(t, store, &mockScraper{deals: makeDeals(2, "d")}, disp, filter.Rules{}, &config.Config{})
		if err := p.ProcessDeals(context.Background()); !errors.Is(err, errDB) {
			t.Errorf("ProcessDeals() error = %v, want %v", err, errDB)
		}
		if disp.calls != 0 {
			t.Error("nothing should be sent before eligible deals are persisted")
		}
	})
}

func TestProcessDeals_NothingEligible(t *testing.T) {
	store := newMockStore()
	disp := &mockDispatcher{}
	p := newTestProcessor(t, store, &mockScraper{}, disp, filter.Rules{}, &config.Config{MaxStoredDeals: 10})

	if err := p.ProcessDeals(context.Background()); err != nil {
		t.Fatalf("ProcessDeals() error = %v", err)
	}
	if disp.calls != 0 {
		t.Errorf("Dispatch called %d times, want 0", disp.calls)
	}
	if store.trimmedTo != 0 {
		t.Error("trim should not run when nothing was delivered")
	}
}

func TestProcessDeals_CancelAfterSendStillMarksDelivered(t *testing.T) {
	store := newMockStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	disp := &cancelingDispatcher{cancel: cancel}
	p := newTestProcessor(t, store, &mockScraper{deals: makeDeals(5, "d")}, disp, filter.Rules{}, &config.Config{})

	if err := p.ProcessDeals(ctx); err != nil {
		t.Fatalf("ProcessDeals() error = %v", err)
	}
	if got := store.count(true); got != 5 {
		t.Errorf("delivered = %d, want 5 (batch was accepted before cancellation)", got)
	}
}

func TestProcessDeals_CancelStopsLaterBatches(t *testing.T) {
	store := newMockStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	disp := &cancelingDispatcher{cancel: cancel}
	chained := notifier.NewDispatcher(&dispatcherChannel{disp: disp})
	p := newTestProcessor(t, store, &mockScraper{deals: makeDeals(150, "d")}, chained, filter.Rules{}, &config.Config{})

	err := p.ProcessDeals(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("ProcessDeals() error = %v, want context.Canceled", err)
	}
	if disp.calls != 1 {
		t.Errorf("sent %d batches, want 1", disp.calls)
	}
	if got := store.count(true); got != 100 {
		t.Errorf("delivered = %d, want 100", got)
	}
}

// dispatcherChannel adapts cancelingDispatcher to a notifier.Channel.
type dispatcherChannel struct {
	disp *cancelingDispatcher
}

func (c *dispatcherChannel) Name() string { return "mock" }

func (c *dispatcherChannel) Send(ctx context.Context, d *digest.Digest) (notifier.Outcome, error) {
	if _, err := c.disp.Dispatch(ctx, d); err != nil {
		return notifier.OutcomeFailed, err
	}
	return notifier.OutcomeSent, nil
}

func TestProcessDeals_TrimmedDealIsNotResent(t *testing.T) {
	stores := map[string]func(t *testing.T) DealStore{
		"sqlite": func(t *testing.T) DealStore {
			s, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "deals.db"))
			if err != nil {
				t.Fatalf("OpenSQLite() error = %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
		"bolt": func(t *testing.T) DealStore {
			s, err := storage.OpenBolt(filepath.Join(t.TempDir(), "deals.bolt"))
			if err != nil {
				t.Fatalf("OpenBolt() error = %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}

	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			old := models.Deal{ID: "old", Title: "older deal", CommentCount: 9, OccurredAt: time.Unix(1700000000, 0)}
			fresh := models.Deal{ID: "new", Title: "newer deal", CommentCount: 1, OccurredAt: time.Unix(1700003600, 0)}

			scr := &mockScraper{deals: []models.Deal{old, fresh}}
			disp := &mockDispatcher{}
			p := newTestProcessor(t, store, scr, disp, filter.Rules{}, &config.Config{MaxStoredDeals: 1})

			if err := p.ProcessDeals(context.Background()); err != nil {
				t.Fatalf("first ProcessDeals() error = %v", err)
			}

			scr.deals = []models.Deal{old}
			if err := p.ProcessDeals(context.Background()); err != nil {
				t.Fatalf("second ProcessDeals() error = %v", err)
			}

			if len(disp.sent) != 1 {
				t.Errorf("dispatched batches = %v, want only the first run's batch", disp.sent)
			}
		})
	}
}
