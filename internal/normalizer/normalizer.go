// Package normalizer は生のフィードアイテムを正規化済みFeedItemへ変換する。
// URL解決・ページ取得・本文抽出を束ね、失敗時は段階的に劣化する:
// 解決失敗はベストエフォートURLで記録し、抽出失敗はフィード宣言の
// サマリへフォールバックする。アイテムが捨てられるのは
// 一切のURLが構成できない場合のみ。
package normalizer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/hitoshi/nomikura/internal/extractor"
	"github.com/hitoshi/nomikura/internal/model"
	"github.com/hitoshi/nomikura/internal/repository"
	"github.com/hitoshi/nomikura/internal/resolver"
)

// fetchUserAgent はページ取得時のUser-Agentヘッダ。
const fetchUserAgent = "Nomikura/1.0 Feed Aggregator"

// minFullContentRunes はフィード供給コンテンツを全文とみなす最小文字数。
// これ未満の場合は要約フィードと判断し、ソースページを取得して抽出する。
const minFullContentRunes = 280

// URLResolver はリダイレクト追跡によるURL解決のインターフェース。
type URLResolver interface {
	Resolve(ctx context.Context, rawURL string) (*model.CanonicalURL, error)
}

// ContentExtractor はページマークアップからの本文抽出のインターフェース。
type ContentExtractor interface {
	Extract(rawHTML, baseURL, fallbackTitle string) (*extractor.ExtractedContent, error)
}

// Sanitizer は本文HTMLのサニタイズを行うインターフェース。
type Sanitizer interface {
	Sanitize(rawHTML string) string
}

// SSRFGuard はページ取得時のSSRF防御インターフェース。
type SSRFGuard interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// Normalizer は生のフィードアイテムをFeedItemへ正規化し永続化する。
type Normalizer struct {
	resolver         URLResolver
	extractor        ContentExtractor
	sanitizer        Sanitizer
	ssrfGuard        SSRFGuard
	itemRepo         repository.FeedItemRepository
	logger           *slog.Logger
	pageFetchTimeout time.Duration
	pageMaxSize      int64
	excerptLength    int
}

// NewNormalizer はNormalizerの新しいインスタンスを生成する。
func NewNormalizer(
	urlResolver URLResolver,
	contentExtractor ContentExtractor,
	sanitizer Sanitizer,
	ssrfGuard SSRFGuard,
	itemRepo repository.FeedItemRepository,
	logger *slog.Logger,
	pageFetchTimeout time.Duration,
	pageMaxSize int64,
	excerptLength int,
) *Normalizer {
	return &Normalizer{
		resolver:         urlResolver,
		extractor:        contentExtractor,
		sanitizer:        sanitizer,
		ssrfGuard:        ssrfGuard,
		itemRepo:         itemRepo,
		logger:           logger,
		pageFetchTimeout: pageFetchTimeout,
		pageMaxSize:      pageMaxSize,
		excerptLength:    excerptLength,
	}
}

// Normalize は生のフィードアイテムをFeedItemへ変換する。永続化は行わない。
// リンクのURL解決に失敗した場合はオフライン正規化のみのベストエフォートURLで
// 記録し、NeedsResolutionフラグを立てて後続の再解決に委ねる。
// 有効なURLが一切構成できない場合のみNORMALIZATION_FAILEDを返す。
func (n *Normalizer) Normalize(ctx context.Context, raw model.RawFeedItem) (*model.FeedItem, error) {
	canon, needsResolution, err := n.resolveLink(ctx, raw)
	if err != nil {
		return nil, err
	}

	item := &model.FeedItem{
		OriginItemID:    raw.GuidOrID,
		CanonicalURL:    canon.URL,
		CanonicalKey:    canon.Key,
		SourceHost:      canon.Host,
		SourceSlug:      canon.Slug,
		Title:           strings.TrimSpace(raw.Title),
		Author:          strings.TrimSpace(raw.Author),
		SubscriptionID:  raw.SubscriptionID,
		NeedsResolution: needsResolution,
		FirstSeenAt:     time.Now(),
	}

	// タグはフィード宣言のタグとホスト由来スラグの和集合
	item.Tags = unionTags(raw.Tags, canon.Slug)

	// 公開日時の欠落は取得時刻で推定する
	if raw.PublishedAt != nil {
		t := *raw.PublishedAt
		item.PublishedAt = &t
	} else {
		now := time.Now()
		item.PublishedAt = &now
		item.IsDateEstimated = true
	}

	n.fillContent(ctx, raw, canon, item, needsResolution)

	if item.Title == "" {
		item.Title = canon.URL
	}

	return item, nil
}

// Store はFeedItemを永続化する。同一アイテム（canonical key + origin ID）が
// 既に存在する場合は新規レコードを作らずリピートカウンタを加算する。
// 戻り値のisNewは新規作成されたかどうか。
func (n *Normalizer) Store(ctx context.Context, item *model.FeedItem) (stored *model.FeedItem, isNew bool, err error) {
	existing, err := n.itemRepo.FindByCanonicalKeyAndOrigin(ctx, item.CanonicalKey, item.OriginItemID)
	if err != nil {
		return nil, false, fmt.Errorf("アイテムの検索に失敗しました: %w", err)
	}
	if existing == nil {
		// 別フィード経由で同一canonical URLが既に保存されている場合も
		// 新規レコードは作成しない
		existing, err = n.itemRepo.FindByCanonicalKey(ctx, item.CanonicalKey)
		if err != nil {
			return nil, false, fmt.Errorf("アイテムの検索に失敗しました: %w", err)
		}
	}

	if existing != nil {
		count, err := n.itemRepo.IncrementRepeat(ctx, existing.ID)
		if err != nil {
			return nil, false, fmt.Errorf("リピートカウンタの加算に失敗しました: %w", err)
		}
		existing.RepeatCount = count
		return existing, false, nil
	}

	item.RepeatCount = 1
	if err := n.itemRepo.Create(ctx, item); err != nil {
		return nil, false, fmt.Errorf("アイテムの作成に失敗しました: %w", err)
	}
	return item, true, nil
}

// resolveLink はアイテムのリンクを解決する。
// リゾルバ失敗時はオフライン正規化へ劣化し、needsResolution=trueを返す。
func (n *Normalizer) resolveLink(ctx context.Context, raw model.RawFeedItem) (*model.CanonicalURL, bool, error) {
	link := strings.TrimSpace(raw.Link)
	if link == "" {
		link = strings.TrimSpace(raw.GuidOrID)
	}
	if link == "" {
		return nil, false, model.NewNormalizationError(raw.GuidOrID, nil)
	}

	canon, err := n.resolver.Resolve(ctx, link)
	if err == nil {
		return canon, false, nil
	}

	n.logger.Warn("URL解決に失敗したためベストエフォートURLで記録します",
		"link", link,
		"subscription_id", raw.SubscriptionID,
		"error", err.Error(),
	)

	canon, normErr := resolver.Normalize(link)
	if normErr != nil {
		return nil, false, model.NewNormalizationError(link, normErr)
	}
	return canon, true, nil
}

// fillContent はアイテムの本文・抜粋を決定する。
// フィードが全文を供給している場合はそれを使用し、要約のみの場合は
// ソースページを取得して抽出する。抽出失敗時はフィード宣言の
// サマリへそのままフォールバックする。
func (n *Normalizer) fillContent(ctx context.Context, raw model.RawFeedItem, canon *model.CanonicalURL, item *model.FeedItem, unresolved bool) {
	feedText := htmlToText(raw.Content)

	if len([]rune(feedText)) >= minFullContentRunes {
		item.Content = n.sanitizer.Sanitize(raw.Content)
		item.Summary = extractor.Excerpt(feedText, n.excerptLength)
		return
	}

	// 未解決URLへのページ取得は行わない
	if !unresolved {
		if extracted := n.extractFromPage(ctx, canon.URL, item.Title); extracted != nil {
			item.Content = extracted.Content
			item.Summary = extracted.Excerpt
			if item.Title == "" {
				item.Title = extracted.Title
			}
			return
		}
	}

	// フォールバック: フィード宣言のコンテンツ/サマリをそのまま使用
	source := raw.Content
	if source == "" {
		source = raw.Summary
	}
	item.Content = n.sanitizer.Sanitize(source)
	item.Summary = extractor.Excerpt(htmlToText(source), n.excerptLength)
}

// extractFromPage はソースページを取得して本文を抽出する。
// 取得・抽出の失敗はアイテムを失敗させず、nilを返して
// 呼び出し元のフォールバックに委ねる。
func (n *Normalizer) extractFromPage(ctx context.Context, pageURL, fallbackTitle string) *extractor.ExtractedContent {
	body, err := n.fetchPage(ctx, pageURL)
	if err != nil {
		n.logger.Debug("ソースページの取得に失敗しました",
			"url", pageURL,
			"error", err.Error(),
		)
		return nil
	}

	extracted, err := n.extractor.Extract(body, pageURL, fallbackTitle)
	if err != nil {
		n.logger.Debug("本文抽出に失敗したためフィードサマリへフォールバックします",
			"url", pageURL,
			"error", err.Error(),
		)
		return nil
	}
	return extracted
}

// fetchPage はSSRF防御付きクライアントでページ本体を取得する。
func (n *Normalizer) fetchPage(ctx context.Context, pageURL string) (string, error) {
	if err := n.ssrfGuard.ValidateURL(pageURL); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	client := n.ssrfGuard.NewSafeClient(n.pageFetchTimeout, n.pageMaxSize)
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("ページ取得が失敗しました: status=%d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, n.pageMaxSize))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// unionTags はフィード宣言のタグとホストスラグの重複なし和集合を返す。
func unionTags(feedTags []string, hostSlug string) []string {
	seen := make(map[string]bool, len(feedTags)+1)
	tags := make([]string, 0, len(feedTags)+1)

	add := func(tag string) {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			return
		}
		seen[tag] = true
		tags = append(tags, tag)
	}

	for _, tag := range feedTags {
		add(tag)
	}
	add(hostSlug)
	return tags
}

// htmlToText はマークアップからテキストノードのみを取り出す。
func htmlToText(rawHTML string) string {
	if rawHTML == "" {
		return ""
	}
	tokenizer := html.NewTokenizer(strings.NewReader(rawHTML))
	var b strings.Builder
	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			break
		}
		if tt == html.TextToken {
			b.WriteString(tokenizer.Token().Data)
			b.WriteString(" ")
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
