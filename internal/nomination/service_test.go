package nomination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/nomikura/internal/model"
	"github.com/hitoshi/nomikura/internal/resolver"
)

// --- モック ---

// mockNomRepo はNominationRepositoryのインメモリモック。
// 実装と同じ一意制約・バージョントークン意味論を持ち、
// 並行アクセスに対して安全。
type mockNomRepo struct {
	mu    sync.Mutex
	byKey map[string]*model.Nomination
	// forceConflicts は最初のN回のUpdateVersionedを強制的に競合させる
	forceConflicts int
	findErr        error
}

func newMockNomRepo() *mockNomRepo {
	return &mockNomRepo{byKey: make(map[string]*model.Nomination)}
}

func copyNomination(nom *model.Nomination) *model.Nomination {
	if nom == nil {
		return nil
	}
	c := *nom
	c.Tags = append([]string(nil), nom.Tags...)
	c.Nominators = append([]string(nil), nom.Nominators...)
	c.FeedItemIDs = append([]string(nil), nom.FeedItemIDs...)
	return &c
}

func (m *mockNomRepo) FindByID(_ context.Context, id string) (*model.Nomination, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	for _, nom := range m.byKey {
		if nom.ID == id {
			return copyNomination(nom), nil
		}
	}
	return nil, nil
}

func (m *mockNomRepo) FindByCanonicalKey(_ context.Context, key string) (*model.Nomination, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	return copyNomination(m.byKey[key]), nil
}

func (m *mockNomRepo) Create(_ context.Context, nom *model.Nomination) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byKey[nom.CanonicalKey]; exists {
		return model.NewConcurrentUpdateError(nom.CanonicalKey)
	}
	m.byKey[nom.CanonicalKey] = copyNomination(nom)
	return nil
}

func (m *mockNomRepo) UpdateVersioned(_ context.Context, nom *model.Nomination) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.forceConflicts > 0 {
		m.forceConflicts--
		return model.NewConcurrentUpdateError(nom.CanonicalKey)
	}
	stored, exists := m.byKey[nom.CanonicalKey]
	if !exists || stored.Version != nom.Version {
		return model.NewConcurrentUpdateError(nom.CanonicalKey)
	}
	nom.Version = stored.Version + 1
	m.byKey[nom.CanonicalKey] = copyNomination(nom)
	return nil
}

func (m *mockNomRepo) ListByState(_ context.Context, state model.NominationState, cursor time.Time, limit int) ([]*model.Nomination, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cursor.IsZero() {
		cursor = time.Now().Add(time.Hour)
	}
	var result []*model.Nomination
	for _, nom := range m.byKey {
		if state != "" && nom.State != state {
			continue
		}
		if !nom.LastModified.Before(cursor) {
			continue
		}
		result = append(result, copyNomination(nom))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastModified.After(result[j].LastModified)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *mockNomRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byKey)
}

// mockFeedItemRepo はNominateURLで使用する最小限のFeedItemRepositoryモック。
type mockFeedItemRepo struct {
	byKey map[string]*model.FeedItem
}

func (m *mockFeedItemRepo) FindByID(_ context.Context, _ string) (*model.FeedItem, error) {
	return nil, nil
}

func (m *mockFeedItemRepo) FindByCanonicalKeyAndOrigin(_ context.Context, _, _ string) (*model.FeedItem, error) {
	return nil, nil
}

func (m *mockFeedItemRepo) FindByCanonicalKey(_ context.Context, key string) (*model.FeedItem, error) {
	if m.byKey == nil {
		return nil, nil
	}
	return m.byKey[key], nil
}

func (m *mockFeedItemRepo) Create(_ context.Context, _ *model.FeedItem) error { return nil }
func (m *mockFeedItemRepo) Update(_ context.Context, _ *model.FeedItem) error { return nil }
func (m *mockFeedItemRepo) IncrementRepeat(_ context.Context, _ string) (int, error) {
	return 0, nil
}

// offlineResolver はネットワークを使わずオフライン正規化のみ行うモック。
type offlineResolver struct{}

func (offlineResolver) Resolve(_ context.Context, rawURL string) (*model.CanonicalURL, error) {
	return resolver.Normalize(rawURL)
}

// countingNotifier はNotifyDraftの呼び出し回数を数えるモック。
type countingNotifier struct {
	mu       sync.Mutex
	calls    int
	payloads []model.DraftPayload
	err      error
}

func (m *countingNotifier) NotifyDraft(_ context.Context, payload model.DraftPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.payloads = append(m.payloads, payload)
	return m.err
}

func (m *countingNotifier) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newTestService(repo *mockNomRepo, notifier DraftNotifier) *Service {
	if notifier == nil {
		notifier = &countingNotifier{}
	}
	return NewService(repo, &mockFeedItemRepo{}, offlineResolver{}, resolver.Normalize, notifier, slog.Default(), 10)
}

func testItem() *model.FeedItem {
	return &model.FeedItem{
		ID:           "item-1",
		OriginItemID: "guid-1",
		CanonicalURL: "https://blog.example/posts/1",
		CanonicalKey: "blog.example/posts/1",
		SourceHost:   "blog.example",
		SourceSlug:   "blog-example",
		Title:        "記事タイトル",
		Content:      "<p>本文</p>",
		Tags:         []string{"golang", "blog-example"},
		RepeatCount:  1,
	}
}

// --- Upsertのテスト ---

func TestUpsertNomination_CreatesFirstRecord(t *testing.T) {
	repo := newMockNomRepo()
	svc := newTestService(repo, nil)

	nom, err := svc.UpsertNomination(context.Background(), testItem(), "reviewer-a")
	if err != nil {
		t.Fatalf("UpsertNomination returned error: %v", err)
	}

	if nom.State != model.NominationStateNew {
		t.Errorf("State = %q, want %q", nom.State, model.NominationStateNew)
	}
	if nom.NominationCount != 1 {
		t.Errorf("NominationCount = %d, want 1", nom.NominationCount)
	}
	if nom.SourceRepeat != 1 {
		t.Errorf("SourceRepeat = %d, want 1", nom.SourceRepeat)
	}
	if !nom.HasNominator("reviewer-a") {
		t.Error("reviewer-a がノミネーター集合に含まれていません")
	}
	if nom.DateNominated.IsZero() {
		t.Error("DateNominated がゼロ値です")
	}
	if repo.count() != 1 {
		t.Errorf("レコード数 = %d, want 1", repo.count())
	}
}

func TestUpsertNomination_Idempotent(t *testing.T) {
	repo := newMockNomRepo()
	svc := newTestService(repo, nil)
	item := testItem()

	first, err := svc.UpsertNomination(context.Background(), item, "reviewer-a")
	if err != nil {
		t.Fatalf("UpsertNomination returned error: %v", err)
	}
	second, err := svc.UpsertNomination(context.Background(), item, "reviewer-a")
	if err != nil {
		t.Fatalf("UpsertNomination returned error: %v", err)
	}

	// 同一ペアの2回適用は1回と同一の結果になる（LastModifiedも進まない）
	if !reflect.DeepEqual(first, second) {
		t.Errorf("2回目のupsert結果が1回目と異なります:\n1回目: %+v\n2回目: %+v", first, second)
	}
	if repo.count() != 1 {
		t.Errorf("レコード数 = %d, want 1", repo.count())
	}
}

func TestUpsertNomination_MergesSecondNominator(t *testing.T) {
	repo := newMockNomRepo()
	svc := newTestService(repo, nil)

	if _, err := svc.UpsertNomination(context.Background(), testItem(), "reviewer-a"); err != nil {
		t.Fatalf("UpsertNomination returned error: %v", err)
	}
	first, _ := repo.FindByCanonicalKey(context.Background(), "blog.example/posts/1")

	nom, err := svc.UpsertNomination(context.Background(), testItem(), "reviewer-b")
	if err != nil {
		t.Fatalf("UpsertNomination returned error: %v", err)
	}

	if nom.NominationCount != 2 {
		t.Errorf("NominationCount = %d, want 2", nom.NominationCount)
	}
	if !nom.HasNominator("reviewer-a") || !nom.HasNominator("reviewer-b") {
		t.Errorf("Nominators = %v", nom.Nominators)
	}
	// レビュアーアクション後はnominated状態へ進む
	if nom.State != model.NominationStateNominated {
		t.Errorf("State = %q, want %q", nom.State, model.NominationStateNominated)
	}
	// 初回ノミネート時刻は変更されない
	if !nom.DateNominated.Equal(first.DateNominated) {
		t.Error("DateNominated が変更されました")
	}
	if repo.count() != 1 {
		t.Errorf("レコード数 = %d, want 1", repo.count())
	}
}

// TestUpsertNomination_ConcurrentDistinctNominators はN個の識別子による
// 並行upsertが、消失なく1レコードに合流することを検証する。
func TestUpsertNomination_ConcurrentDistinctNominators(t *testing.T) {
	const n = 20
	repo := newMockNomRepo()
	svc := NewService(repo, &mockFeedItemRepo{}, offlineResolver{}, resolver.Normalize, &countingNotifier{}, slog.Default(), n*2)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.UpsertNomination(context.Background(), testItem(), fmt.Sprintf("reviewer-%d", i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("並行upsertがエラーを返しました: %v", err)
		}
	}

	if repo.count() != 1 {
		t.Fatalf("レコード数 = %d, want 1", repo.count())
	}
	nom, _ := repo.FindByCanonicalKey(context.Background(), "blog.example/posts/1")
	if len(nom.Nominators) != n {
		t.Errorf("len(Nominators) = %d, want %d", len(nom.Nominators), n)
	}
	if nom.NominationCount != n {
		t.Errorf("NominationCount = %d, want %d", nom.NominationCount, n)
	}
}

func TestUpsertNomination_MergesIntoTerminalState(t *testing.T) {
	repo := newMockNomRepo()
	svc := newTestService(repo, nil)

	nom, err := svc.UpsertNomination(context.Background(), testItem(), "reviewer-a")
	if err != nil {
		t.Fatalf("UpsertNomination returned error: %v", err)
	}
	if _, err := svc.Archive(context.Background(), nom.ID); err != nil {
		t.Fatalf("Archive returned error: %v", err)
	}

	// 終端状態でもメタデータのマージは継続する
	item := testItem()
	item.RepeatCount = 5
	merged, err := svc.UpsertNomination(context.Background(), item, "reviewer-b")
	if err != nil {
		t.Fatalf("UpsertNomination returned error: %v", err)
	}

	if merged.State != model.NominationStateArchived {
		t.Errorf("State = %q, want %q (後退しない)", merged.State, model.NominationStateArchived)
	}
	if merged.NominationCount != 2 {
		t.Errorf("NominationCount = %d, want 2", merged.NominationCount)
	}
	if merged.SourceRepeat != 5 {
		t.Errorf("SourceRepeat = %d, want 5", merged.SourceRepeat)
	}
}

func TestUpsertNomination_RetryExhaustion(t *testing.T) {
	repo := newMockNomRepo()
	svc := NewService(repo, &mockFeedItemRepo{}, offlineResolver{}, resolver.Normalize, &countingNotifier{}, slog.Default(), 3)

	if _, err := svc.UpsertNomination(context.Background(), testItem(), "reviewer-a"); err != nil {
		t.Fatalf("UpsertNomination returned error: %v", err)
	}

	// 全リトライを強制的に競合させる
	repo.forceConflicts = 100
	_, err := svc.UpsertNomination(context.Background(), testItem(), "reviewer-b")
	if !model.IsCode(err, model.ErrCodeStoreUnavailable) {
		t.Errorf("error code = %q, want %q", model.ErrorCode(err), model.ErrCodeStoreUnavailable)
	}
}

func TestUpsertNomination_StoreError(t *testing.T) {
	repo := newMockNomRepo()
	repo.findErr = errors.New("接続が切断されました")
	svc := newTestService(repo, nil)

	_, err := svc.UpsertNomination(context.Background(), testItem(), "reviewer-a")
	if !model.IsCode(err, model.ErrCodeStoreUnavailable) {
		t.Errorf("error code = %q, want %q", model.ErrorCode(err), model.ErrCodeStoreUnavailable)
	}
}

// TestNominateURL_TrackingVariantsMergeToOneNomination は
// トラッキングパラメータのみ異なるURLへの別レビュアーのノミネートが
// 1件のノミネーションへ合流することを検証する。
func TestNominateURL_TrackingVariantsMergeToOneNomination(t *testing.T) {
	repo := newMockNomRepo()
	itemRepo := &mockFeedItemRepo{byKey: map[string]*model.FeedItem{
		"a.example/p": {
			ID:           "item-p",
			CanonicalURL: "http://a.example/p",
			CanonicalKey: "a.example/p",
			SourceSlug:   "a-example",
			Title:        "記事P",
			RepeatCount:  2,
		},
	}}
	svc := NewService(repo, itemRepo, offlineResolver{}, resolver.Normalize, &countingNotifier{}, slog.Default(), 10)

	_, created, err := svc.NominateURL(context.Background(), "http://a.example/p?utm_source=x", "reviewer-a")
	if err != nil {
		t.Fatalf("NominateURL returned error: %v", err)
	}
	if !created {
		t.Error("初回ノミネートのcreated = false, want true")
	}
	nom, created, err := svc.NominateURL(context.Background(), "http://a.example/p", "reviewer-b")
	if err != nil {
		t.Fatalf("NominateURL returned error: %v", err)
	}
	if created {
		t.Error("2回目のノミネートのcreated = true, want false")
	}

	if repo.count() != 1 {
		t.Fatalf("レコード数 = %d, want 1", repo.count())
	}
	if nom.CanonicalKey != "a.example/p" {
		t.Errorf("CanonicalKey = %q, want %q", nom.CanonicalKey, "a.example/p")
	}
	if nom.NominationCount != 2 {
		t.Errorf("NominationCount = %d, want 2", nom.NominationCount)
	}
	if nom.SourceRepeat < 2 {
		t.Errorf("SourceRepeat = %d, want >= 2", nom.SourceRepeat)
	}
}

// TestNominateURL_RepeatBySameNominator_NotCreated は同一レビュアーによる
// 再ノミネート（無変更の再適用）が新規作成として報告されないことを検証する。
func TestNominateURL_RepeatBySameNominator_NotCreated(t *testing.T) {
	repo := newMockNomRepo()
	itemRepo := &mockFeedItemRepo{byKey: map[string]*model.FeedItem{}}
	svc := NewService(repo, itemRepo, offlineResolver{}, resolver.Normalize, &countingNotifier{}, slog.Default(), 10)

	first, created, err := svc.NominateURL(context.Background(), "http://a.example/p", "reviewer-a")
	if err != nil {
		t.Fatalf("NominateURL returned error: %v", err)
	}
	if !created {
		t.Error("初回ノミネートのcreated = false, want true")
	}

	second, created, err := svc.NominateURL(context.Background(), "http://a.example/p", "reviewer-a")
	if err != nil {
		t.Fatalf("NominateURL returned error: %v", err)
	}
	if created {
		t.Error("同一レビュアーの再ノミネートのcreated = true, want false")
	}
	if second.Version != first.Version {
		t.Errorf("Version = %d, want %d (無変更の再適用で書き込みなし)", second.Version, first.Version)
	}
	if second.NominationCount != 1 {
		t.Errorf("NominationCount = %d, want 1", second.NominationCount)
	}
}

// --- 観測反映のテスト ---

func TestRegisterSighting_NoNominationIsNoop(t *testing.T) {
	repo := newMockNomRepo()
	svc := newTestService(repo, nil)

	if err := svc.RegisterSighting(context.Background(), testItem()); err != nil {
		t.Fatalf("RegisterSighting returned error: %v", err)
	}
	if repo.count() != 0 {
		t.Errorf("レコード数 = %d, want 0", repo.count())
	}
}

func TestRegisterSighting_UpdatesSourceRepeat(t *testing.T) {
	repo := newMockNomRepo()
	svc := newTestService(repo, nil)

	if _, err := svc.UpsertNomination(context.Background(), testItem(), "reviewer-a"); err != nil {
		t.Fatalf("UpsertNomination returned error: %v", err)
	}

	item := testItem()
	item.RepeatCount = 3
	if err := svc.RegisterSighting(context.Background(), item); err != nil {
		t.Fatalf("RegisterSighting returned error: %v", err)
	}

	nom, _ := repo.FindByCanonicalKey(context.Background(), item.CanonicalKey)
	if nom.SourceRepeat != 3 {
		t.Errorf("SourceRepeat = %d, want 3", nom.SourceRepeat)
	}
	// ノミネーターを伴わない観測はカウントを増やさない
	if nom.NominationCount != 1 {
		t.Errorf("NominationCount = %d, want 1", nom.NominationCount)
	}
}

// --- ライフサイクルのテスト ---

func TestArchive_Idempotent(t *testing.T) {
	repo := newMockNomRepo()
	svc := newTestService(repo, nil)

	nom, _ := svc.UpsertNomination(context.Background(), testItem(), "reviewer-a")

	first, err := svc.Archive(context.Background(), nom.ID)
	if err != nil {
		t.Fatalf("Archive returned error: %v", err)
	}
	if first.State != model.NominationStateArchived {
		t.Errorf("State = %q, want %q", first.State, model.NominationStateArchived)
	}

	second, err := svc.Archive(context.Background(), nom.ID)
	if err != nil {
		t.Fatalf("2回目のArchive returned error: %v", err)
	}
	if second.State != model.NominationStateArchived {
		t.Errorf("State = %q, want %q", second.State, model.NominationStateArchived)
	}
}

func TestArchive_PromotedIsRejected(t *testing.T) {
	repo := newMockNomRepo()
	svc := newTestService(repo, nil)

	nom, _ := svc.UpsertNomination(context.Background(), testItem(), "reviewer-a")
	if _, err := svc.Promote(context.Background(), nom.ID); err != nil {
		t.Fatalf("Promote returned error: %v", err)
	}

	if _, err := svc.Archive(context.Background(), nom.ID); err == nil {
		t.Error("promoted状態のアーカイブがエラーになりませんでした")
	}
}

func TestArchive_NotFound(t *testing.T) {
	svc := newTestService(newMockNomRepo(), nil)
	_, err := svc.Archive(context.Background(), "missing-id")
	if !model.IsCode(err, model.ErrCodeNominationNotFound) {
		t.Errorf("error code = %q, want %q", model.ErrorCode(err), model.ErrCodeNominationNotFound)
	}
}

func TestArchiveAll(t *testing.T) {
	repo := newMockNomRepo()
	svc := newTestService(repo, nil)

	for i := 0; i < 3; i++ {
		item := testItem()
		item.CanonicalKey = fmt.Sprintf("blog.example/posts/%d", i)
		item.CanonicalURL = fmt.Sprintf("https://blog.example/posts/%d", i)
		if _, err := svc.UpsertNomination(context.Background(), item, "reviewer-a"); err != nil {
			t.Fatalf("UpsertNomination returned error: %v", err)
		}
	}

	archived, err := svc.ArchiveAll(context.Background())
	if err != nil {
		t.Fatalf("ArchiveAll returned error: %v", err)
	}
	if archived != 3 {
		t.Errorf("archived = %d, want 3", archived)
	}

	// 2回目は対象がないため0件
	archived, err = svc.ArchiveAll(context.Background())
	if err != nil {
		t.Fatalf("ArchiveAll returned error: %v", err)
	}
	if archived != 0 {
		t.Errorf("archived = %d, want 0", archived)
	}
}

func TestPromote_SendsExactlyOneDraftEvent(t *testing.T) {
	repo := newMockNomRepo()
	notifier := &countingNotifier{}
	svc := newTestService(repo, notifier)

	nom, _ := svc.UpsertNomination(context.Background(), testItem(), "reviewer-a")

	first, err := svc.Promote(context.Background(), nom.ID)
	if err != nil {
		t.Fatalf("Promote returned error: %v", err)
	}
	if first.State != model.NominationStatePromoted {
		t.Errorf("State = %q, want %q", first.State, model.NominationStatePromoted)
	}

	// 再プロモートは成功を返すが、2つ目のドラフトイベントは発生しない
	second, err := svc.Promote(context.Background(), nom.ID)
	if err != nil {
		t.Fatalf("2回目のPromote returned error: %v", err)
	}
	if second.State != model.NominationStatePromoted {
		t.Errorf("State = %q, want %q", second.State, model.NominationStatePromoted)
	}
	if notifier.callCount() != 1 {
		t.Errorf("ドラフトイベント数 = %d, want 1", notifier.callCount())
	}

	payload := notifier.payloads[0]
	if payload.NominationID != nom.ID || payload.CanonicalURL != nom.CanonicalURL {
		t.Errorf("payload = %+v", payload)
	}
}

// TestPromote_ConcurrentRequestsSendOneEvent は並行プロモートでも
// CAS遷移の勝者のみが通知を送ることを検証する。
func TestPromote_ConcurrentRequestsSendOneEvent(t *testing.T) {
	repo := newMockNomRepo()
	notifier := &countingNotifier{}
	svc := NewService(repo, &mockFeedItemRepo{}, offlineResolver{}, resolver.Normalize, notifier, slog.Default(), 20)

	nom, _ := svc.UpsertNomination(context.Background(), testItem(), "reviewer-a")

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// 勝者以外は冪等なno-opとして成功する
			if _, err := svc.Promote(context.Background(), nom.ID); err != nil {
				t.Errorf("Promote returned error: %v", err)
			}
		}()
	}
	wg.Wait()

	if notifier.callCount() != 1 {
		t.Errorf("ドラフトイベント数 = %d, want 1", notifier.callCount())
	}
}

func TestPromote_NotifierFailureKeepsState(t *testing.T) {
	repo := newMockNomRepo()
	notifier := &countingNotifier{err: errors.New("webhook接続失敗")}
	svc := newTestService(repo, notifier)

	nom, _ := svc.UpsertNomination(context.Background(), testItem(), "reviewer-a")

	if _, err := svc.Promote(context.Background(), nom.ID); err == nil {
		t.Fatal("通知失敗がエラーとして報告されませんでした")
	}

	// 状態遷移はロールバックされない
	stored, _ := repo.FindByID(context.Background(), nom.ID)
	if stored.State != model.NominationStatePromoted {
		t.Errorf("State = %q, want %q", stored.State, model.NominationStatePromoted)
	}
}
