package retrieve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/nomikura/internal/model"
)

// mockFetcher はSubscriptionFetcherのテスト用モック。
type mockFetcher struct {
	fetchFunc func(ctx context.Context, sub *model.Subscription) (*FetchOutcome, error)
}

func (m *mockFetcher) Fetch(ctx context.Context, sub *model.Subscription) (*FetchOutcome, error) {
	if m.fetchFunc != nil {
		return m.fetchFunc(ctx, sub)
	}
	return &FetchOutcome{}, nil
}

func makeSubscriptions(n int) []*model.Subscription {
	subs := make([]*model.Subscription, n)
	for i := range subs {
		subs[i] = &model.Subscription{
			ID:      fmt.Sprintf("sub-%d", i),
			FeedURL: fmt.Sprintf("https://feed%d.example/rss", i),
		}
	}
	return subs
}

// --- スケジューラのテスト ---

func TestRunOnce_MergesOutcomesIntoReport(t *testing.T) {
	subRepo := &mockSubRepo{
		listDueForFetchFunc: func(_ context.Context) ([]*model.Subscription, error) {
			return makeSubscriptions(4), nil
		},
	}
	fetcher := &mockFetcher{
		fetchFunc: func(_ context.Context, sub *model.Subscription) (*FetchOutcome, error) {
			switch sub.ID {
			case "sub-0":
				return &FetchOutcome{ItemsSeen: 3, ItemsNew: 2, ItemsRepeat: 1}, nil
			case "sub-1":
				return &FetchOutcome{NotModified: true}, nil
			case "sub-2":
				return &FetchOutcome{Stopped: true, Failures: []model.RetrievalFailure{
					{SubscriptionID: sub.ID, Code: model.ErrCodeUnreachableSource},
				}}, nil
			default:
				return nil, errors.New("接続が拒否されました")
			}
		},
	}

	report, err := NewScheduler(subRepo, fetcher, slog.Default(), 2).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	if report.SubscriptionsTotal != 4 {
		t.Errorf("SubscriptionsTotal = %d, want 4", report.SubscriptionsTotal)
	}
	if report.SubscriptionsFetched != 1 {
		t.Errorf("SubscriptionsFetched = %d, want 1", report.SubscriptionsFetched)
	}
	if report.SubscriptionsSkipped != 1 {
		t.Errorf("SubscriptionsSkipped = %d, want 1", report.SubscriptionsSkipped)
	}
	if report.SubscriptionsFailed != 2 {
		t.Errorf("SubscriptionsFailed = %d, want 2", report.SubscriptionsFailed)
	}
	if report.ItemsSeen != 3 || report.ItemsNew != 2 || report.ItemsRepeat != 1 {
		t.Errorf("items: seen=%d new=%d repeat=%d", report.ItemsSeen, report.ItemsNew, report.ItemsRepeat)
	}
	if len(report.Failures) != 2 {
		t.Errorf("len(Failures) = %d, want 2", len(report.Failures))
	}
	if report.Partial {
		t.Error("Partial = true, want false")
	}
	if report.Duration() < 0 {
		t.Error("Duration が負です")
	}
}

// TestRunOnce_BoundedConcurrency は同時実行数が上限を超えないことを検証する。
func TestRunOnce_BoundedConcurrency(t *testing.T) {
	const maxConcurrency = 3
	var current, peak int64

	subRepo := &mockSubRepo{
		listDueForFetchFunc: func(_ context.Context) ([]*model.Subscription, error) {
			return makeSubscriptions(20), nil
		},
	}
	var mu sync.Mutex
	fetcher := &mockFetcher{
		fetchFunc: func(_ context.Context, _ *model.Subscription) (*FetchOutcome, error) {
			n := atomic.AddInt64(&current, 1)
			mu.Lock()
			if n > peak {
				peak = n
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return &FetchOutcome{}, nil
		},
	}

	if _, err := NewScheduler(subRepo, fetcher, slog.Default(), maxConcurrency).RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	if peak > maxConcurrency {
		t.Errorf("同時実行数のピーク = %d, 上限 %d を超過", peak, maxConcurrency)
	}
}

// TestRunOnce_CancellationProducesPartialReport はキャンセルが
// 新規フェッチの発行を止め、部分レポートを返すことを検証する。
func TestRunOnce_CancellationProducesPartialReport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	subRepo := &mockSubRepo{
		listDueForFetchFunc: func(_ context.Context) ([]*model.Subscription, error) {
			return makeSubscriptions(50), nil
		},
	}

	var fetched int64
	fetcher := &mockFetcher{
		fetchFunc: func(ctx context.Context, _ *model.Subscription) (*FetchOutcome, error) {
			n := atomic.AddInt64(&fetched, 1)
			if n == 3 {
				cancel() // 数件処理した時点でキャンセルする
			}
			select {
			case <-time.After(5 * time.Millisecond):
				return &FetchOutcome{ItemsSeen: 1}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}

	done := make(chan *model.RetrievalReport, 1)
	go func() {
		report, err := NewScheduler(subRepo, fetcher, slog.Default(), 2).RunOnce(ctx)
		if err != nil {
			t.Errorf("RunOnce returned error: %v", err)
		}
		done <- report
	}()

	var report *model.RetrievalReport
	select {
	case report = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("RunOnce がキャンセル後にハングしました")
	}

	if !report.Partial {
		t.Error("Partial = false, want true")
	}
	// キャンセル後は新規フェッチが発行されない
	if atomic.LoadInt64(&fetched) == 50 {
		t.Error("キャンセル後も全購読がフェッチされました")
	}
}

func TestRunOnce_NoDueSubscriptions(t *testing.T) {
	subRepo := &mockSubRepo{
		listDueForFetchFunc: func(_ context.Context) ([]*model.Subscription, error) {
			return nil, nil
		},
	}

	report, err := NewScheduler(subRepo, &mockFetcher{}, slog.Default(), 2).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if report.SubscriptionsTotal != 0 {
		t.Errorf("SubscriptionsTotal = %d, want 0", report.SubscriptionsTotal)
	}
}

func TestRunOnce_ListError(t *testing.T) {
	subRepo := &mockSubRepo{
		listDueForFetchFunc: func(_ context.Context) ([]*model.Subscription, error) {
			return nil, errors.New("接続が切断されました")
		},
	}

	if _, err := NewScheduler(subRepo, &mockFetcher{}, slog.Default(), 2).RunOnce(context.Background()); err == nil {
		t.Error("リポジトリエラーが返りませんでした")
	}
}

func TestStart_StopsOnContextCancel(t *testing.T) {
	subRepo := &mockSubRepo{
		listDueForFetchFunc: func(_ context.Context) ([]*model.Subscription, error) {
			return nil, nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewScheduler(subRepo, &mockFetcher{}, slog.Default(), 2).Start(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start がキャンセル後に停止しませんでした")
	}
}

// recordingReporter はReportRecorderのテスト用モック。
type recordingReporter struct {
	mu      sync.Mutex
	reports []*model.RetrievalReport
}

func (r *recordingReporter) RecordRetrievalReport(report *model.RetrievalReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

func TestStart_RecordsReportPerCycle(t *testing.T) {
	subRepo := &mockSubRepo{
		listDueForFetchFunc: func(_ context.Context) ([]*model.Subscription, error) {
			return makeSubscriptions(1), nil
		},
	}
	fetcher := &mockFetcher{
		fetchFunc: func(_ context.Context, sub *model.Subscription) (*FetchOutcome, error) {
			return &FetchOutcome{ItemsSeen: 1, ItemsNew: 1}, nil
		},
	}
	reporter := &recordingReporter{}

	s := NewScheduler(subRepo, fetcher, slog.Default(), 2)
	s.SetReportRecorder(reporter)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	// 起動直後の1回 + ティッカー分が記録される
	if reporter.count() < 1 {
		t.Errorf("recorded reports = %d, want >= 1", reporter.count())
	}
}
