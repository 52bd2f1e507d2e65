// Package nomination はノミネーションの集約・マージとライフサイクルを管理する。
// canonical URLごとに高々1件のNominationを維持する不変条件を、
// バージョントークンによるcompare-and-swapと有界リトライで保証する。
// 異なるURLへのupsertは完全に並行し、グローバルロックは持たない。
package nomination

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/nomikura/internal/model"
	"github.com/hitoshi/nomikura/internal/repository"
)

// defaultMaxRetries はCAS競合時のリトライ回数のデフォルト値。
const defaultMaxRetries = 5

// DraftNotifier はドラフト生成コラボレーターへの通知インターフェース。
type DraftNotifier interface {
	NotifyDraft(ctx context.Context, payload model.DraftPayload) error
}

// URLResolver はURL指定のノミネートで使用するURL解決インターフェース。
type URLResolver interface {
	Resolve(ctx context.Context, rawURL string) (*model.CanonicalURL, error)
}

// OfflineNormalizer はネットワークを使わないURL正規化関数。
type OfflineNormalizer func(rawURL string) (*model.CanonicalURL, error)

// Service はノミネーションの集約とライフサイクル遷移を提供する。
type Service struct {
	nomRepo    repository.NominationRepository
	itemRepo   repository.FeedItemRepository
	resolver   URLResolver
	normalize  OfflineNormalizer
	notifier   DraftNotifier
	logger     *slog.Logger
	maxRetries int
}

// NewService はServiceの新しいインスタンスを生成する。
// maxRetriesが0以下の場合はデフォルト値5を使用する。
func NewService(
	nomRepo repository.NominationRepository,
	itemRepo repository.FeedItemRepository,
	urlResolver URLResolver,
	normalize OfflineNormalizer,
	notifier DraftNotifier,
	logger *slog.Logger,
	maxRetries int,
) *Service {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Service{
		nomRepo:    nomRepo,
		itemRepo:   itemRepo,
		resolver:   urlResolver,
		normalize:  normalize,
		notifier:   notifier,
		logger:     logger,
		maxRetries: maxRetries,
	}
}

// UpsertNomination はFeedItemとノミネーター識別子からノミネーションを
// 検索・作成・マージする。マージは可換かつ冪等: 同一の
// (FeedItem, ノミネーター) ペアを2回適用しても1回と同じ結果になる。
// 同一canonical URLへの並行upsertはCASリトライで直列化され、
// 重複レコードも更新消失も発生しない。リトライ上限を超えた場合は
// STORE_UNAVAILABLEを返す。
func (s *Service) UpsertNomination(ctx context.Context, item *model.FeedItem, nominator string) (*model.Nomination, error) {
	nom, _, err := s.upsert(ctx, item, nominator)
	return nom, err
}

// upsert はupsert本体。戻り値のcreatedは新規レコードを作成した場合のみtrue
// （既存レコードへのマージや無変更の再適用ではfalse）。
func (s *Service) upsert(ctx context.Context, item *model.FeedItem, nominator string) (*model.Nomination, bool, error) {
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		existing, err := s.nomRepo.FindByCanonicalKey(ctx, item.CanonicalKey)
		if err != nil {
			return nil, false, model.NewStoreUnavailableError(err)
		}

		if existing == nil {
			created, err := s.createNomination(ctx, item, nominator)
			if err == nil {
				return created, true, nil
			}
			if model.IsCode(err, model.ErrCodeConcurrentUpdate) {
				// 並行作成に敗れた。再読込してマージへ回る。
				continue
			}
			return nil, false, err
		}

		merged, changed := mergeNomination(existing, item, nominator)
		if !changed {
			// 同一ペアの再適用。書き込みせずそのまま返す。
			return merged, false, nil
		}

		err = s.nomRepo.UpdateVersioned(ctx, merged)
		if err == nil {
			return merged, false, nil
		}
		if model.IsCode(err, model.ErrCodeConcurrentUpdate) {
			s.logger.Debug("ノミネーション更新が競合したためリトライします",
				"canonical_key", item.CanonicalKey,
				"attempt", attempt+1,
			)
			continue
		}
		return nil, false, err
	}

	return nil, false, model.NewStoreUnavailableError(
		fmt.Errorf("canonical_key %q のupsertがリトライ上限に達しました", item.CanonicalKey))
}

// NominateURL はURL指定のノミネートを処理する。外部からの
// レビュアー「ノミネート」アクションのエントリポイント。
// URL解決に失敗した場合はオフライン正規化へ劣化する。
// 対応するFeedItemが既に保存されていればそれを使用し、
// 無ければ未保存の最小アイテムを合成してupsertする。
// 2番目の戻り値は新規ノミネーションを作成した場合にtrueとなる。
func (s *Service) NominateURL(ctx context.Context, rawURL, nominator string) (*model.Nomination, bool, error) {
	canon, err := s.resolver.Resolve(ctx, rawURL)
	if err != nil {
		if model.IsCode(err, model.ErrCodeInvalidURL) || model.IsCode(err, model.ErrCodeSSRFBlocked) {
			return nil, false, err
		}
		canon, err = s.normalize(rawURL)
		if err != nil {
			return nil, false, err
		}
	}

	item, err := s.itemRepo.FindByCanonicalKey(ctx, canon.Key)
	if err != nil {
		return nil, false, model.NewStoreUnavailableError(err)
	}
	if item == nil {
		item = &model.FeedItem{
			CanonicalURL: canon.URL,
			CanonicalKey: canon.Key,
			SourceHost:   canon.Host,
			SourceSlug:   canon.Slug,
			Title:        canon.URL,
			Tags:         []string{canon.Slug},
			RepeatCount:  1,
		}
	}

	return s.upsert(ctx, item, nominator)
}

// RegisterSighting は取得サイクル中の再観測をノミネーションへ反映する。
// ノミネーター識別子を伴わないマージであり、対応するノミネーションが
// 存在しない場合は何もしない（観測回数はFeedItem側で保持される）。
func (s *Service) RegisterSighting(ctx context.Context, item *model.FeedItem) error {
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		existing, err := s.nomRepo.FindByCanonicalKey(ctx, item.CanonicalKey)
		if err != nil {
			return model.NewStoreUnavailableError(err)
		}
		if existing == nil {
			return nil
		}

		merged, changed := mergeNomination(existing, item, "")
		if !changed {
			return nil
		}

		err = s.nomRepo.UpdateVersioned(ctx, merged)
		if err == nil {
			return nil
		}
		if model.IsCode(err, model.ErrCodeConcurrentUpdate) {
			continue
		}
		return err
	}

	return model.NewStoreUnavailableError(
		fmt.Errorf("canonical_key %q の観測反映がリトライ上限に達しました", item.CanonicalKey))
}

// Archive はノミネーションをアーカイブ終端状態へ遷移させる。
// 既にアーカイブ済みの場合は冪等なno-op。promoted状態からの
// 遷移は許可されない。
func (s *Service) Archive(ctx context.Context, id string) (*model.Nomination, error) {
	nom, err := s.transition(ctx, id, model.NominationStateArchived)
	if err != nil {
		return nil, err
	}
	if nom == nil {
		// 既にアーカイブ済み
		return s.findExisting(ctx, id)
	}
	return nom, nil
}

// ArchiveAll は終端状態でない全ノミネーションをアーカイブする。
// 戻り値はアーカイブした件数。
func (s *Service) ArchiveAll(ctx context.Context) (int, error) {
	archived := 0
	cursor := time.Time{}

	for {
		page, err := s.nomRepo.ListByState(ctx, "", cursor, 100)
		if err != nil {
			return archived, model.NewStoreUnavailableError(err)
		}
		if len(page) == 0 {
			return archived, nil
		}

		for _, nom := range page {
			cursor = nom.LastModified
			if nom.State.IsTerminal() {
				continue
			}
			if _, err := s.Archive(ctx, nom.ID); err != nil {
				s.logger.Error("一括アーカイブ中に個別の遷移が失敗しました",
					"nomination_id", nom.ID,
					"error", err.Error(),
				)
				continue
			}
			archived++
		}
	}
}

// Promote はノミネーションをpromoted終端状態へ遷移させ、
// マージ済みペイロードをドラフト生成コラボレーターへ通知する。
// 冪等: 既にpromotedのノミネーションへの再実行は成功を返し、
// 2つ目のドラフト生成イベントは発生しない。CAS遷移の勝者のみが
// 通知を送るため、並行プロモートでもイベントは正確に1回となる。
func (s *Service) Promote(ctx context.Context, id string) (*model.Nomination, error) {
	nom, err := s.transition(ctx, id, model.NominationStatePromoted)
	if err != nil {
		return nil, err
	}
	if nom == nil {
		// 遷移前から既にpromoted。通知は送らない。
		return s.findExisting(ctx, id)
	}

	if err := s.notifier.NotifyDraft(ctx, buildDraftPayload(nom)); err != nil {
		// 状態遷移は確定済み。通知失敗はロールバックせず報告のみ行う。
		s.logger.Error("ドラフト生成通知に失敗しました",
			"nomination_id", nom.ID,
			"error", err.Error(),
		)
		return nom, fmt.Errorf("ドラフト生成通知に失敗しました: %w", err)
	}

	s.logger.Info("ノミネーションをプロモートしました",
		"nomination_id", nom.ID,
		"canonical_key", nom.CanonicalKey,
		"nomination_count", nom.NominationCount,
	)
	return nom, nil
}

// transition は状態遷移をCASリトライ付きで適用する。
// 既に目的状態の場合は書き込みを行わずnilを返す（冪等なno-op）。
func (s *Service) transition(ctx context.Context, id string, next model.NominationState) (*model.Nomination, error) {
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		nom, err := s.findExisting(ctx, id)
		if err != nil {
			return nil, err
		}

		if nom.State == next {
			return nil, nil
		}
		if !nom.State.CanTransitionTo(next) {
			return nil, fmt.Errorf("%s状態から%s状態への遷移は許可されません", nom.State, next)
		}

		nom.State = next
		nom.LastModified = time.Now()

		err = s.nomRepo.UpdateVersioned(ctx, nom)
		if err == nil {
			return nom, nil
		}
		if model.IsCode(err, model.ErrCodeConcurrentUpdate) {
			continue
		}
		return nil, err
	}

	return nil, model.NewStoreUnavailableError(
		fmt.Errorf("ノミネーション %q の状態遷移がリトライ上限に達しました", id))
}

func (s *Service) findExisting(ctx context.Context, id string) (*model.Nomination, error) {
	nom, err := s.nomRepo.FindByID(ctx, id)
	if err != nil {
		return nil, model.NewStoreUnavailableError(err)
	}
	if nom == nil {
		return nil, model.NewNominationNotFoundError(id)
	}
	return nom, nil
}

// createNomination は初回ノミネートのレコードを作成する。
func (s *Service) createNomination(ctx context.Context, item *model.FeedItem, nominator string) (*model.Nomination, error) {
	now := time.Now()
	nom := &model.Nomination{
		ID:              uuid.NewString(),
		CanonicalURL:    item.CanonicalURL,
		CanonicalKey:    item.CanonicalKey,
		Title:           item.Title,
		Content:         item.Content,
		SourceSlug:      item.SourceSlug,
		Tags:            append([]string(nil), item.Tags...),
		Nominators:      []string{nominator},
		NominationCount: 1,
		SourceRepeat:    maxInt(item.RepeatCount, 1),
		State:           model.NominationStateNew,
		Version:         1,
		DateNominated:   now,
		LastModified:    now,
	}
	if item.ID != "" {
		nom.FeedItemIDs = []string{item.ID}
	}

	if err := s.nomRepo.Create(ctx, nom); err != nil {
		return nil, err
	}

	s.logger.Info("ノミネーションを作成しました",
		"nomination_id", nom.ID,
		"canonical_key", nom.CanonicalKey,
		"nominator", nominator,
	)
	return nom, nil
}

// mergeNomination は既存ノミネーションへアイテムとノミネーターをマージする。
// 変更が生じた場合のみchanged=trueを返す。マージ規則:
//   - ノミネーター集合への追加（集合意味論、同一識別子の再ノミネートは加算しない）
//   - タグ集合の和集合
//   - SourceRepeatはアイテムの観測回数との大きい方を採用する
//     （再適用しても増えない、到着順に依存しない）
//   - DateNominatedは初回値のまま変更しない
//   - 終端状態でもメタデータのマージは継続するが、状態は後退しない
func mergeNomination(nom *model.Nomination, item *model.FeedItem, nominator string) (*model.Nomination, bool) {
	changed := false

	if nominator != "" && !nom.HasNominator(nominator) {
		nom.Nominators = append(nom.Nominators, nominator)
		nom.NominationCount = len(nom.Nominators)
		changed = true
	}

	for _, tag := range item.Tags {
		if !containsString(nom.Tags, tag) {
			nom.Tags = append(nom.Tags, tag)
			changed = true
		}
	}

	if item.RepeatCount > nom.SourceRepeat {
		nom.SourceRepeat = item.RepeatCount
		changed = true
	}

	if item.ID != "" && !nom.HasFeedItem(item.ID) {
		nom.FeedItemIDs = append(nom.FeedItemIDs, item.ID)
		changed = true
	}

	if nom.Title == "" && item.Title != "" {
		nom.Title = item.Title
		changed = true
	}
	if nom.Content == "" && item.Content != "" {
		nom.Content = item.Content
		changed = true
	}

	// レビュアーアクションが取られた既存レコードはnominated状態へ進む
	if nominator != "" && nom.State == model.NominationStateNew {
		nom.State = model.NominationStateNominated
		changed = true
	}

	if changed {
		nom.LastModified = time.Now()
	}
	return nom, changed
}

// buildDraftPayload はドラフト生成コラボレーターへ渡すペイロードを構築する。
func buildDraftPayload(nom *model.Nomination) model.DraftPayload {
	return model.DraftPayload{
		NominationID:    nom.ID,
		CanonicalURL:    nom.CanonicalURL,
		Title:           nom.Title,
		Content:         nom.Content,
		Tags:            nom.Tags,
		Nominators:      nom.Nominators,
		NominationCount: nom.NominationCount,
		SourceRepeat:    nom.SourceRepeat,
		DateNominated:   nom.DateNominated,
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
