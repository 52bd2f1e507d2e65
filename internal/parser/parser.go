// Package parser はRSS系・Atom系のフィードドキュメントを
// 共通のRawFeedItem列へデコードする。
// フィード種別ごとのハンドラはレジストリに登録され、
// 設定読み込み時に検証される（文字列の遅延解決は行わない）。
package parser

import (
	"fmt"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/nomikura/internal/model"
)

// ParseFunc はフィードドキュメントをgofeed.Feedへデコードする関数。
type ParseFunc func(data []byte) (*gofeed.Feed, error)

// Registry はフィード種別とパーサーの対応表。
// 閉じた集合 {rss, atom, auto} のみを受け付ける。
type Registry struct {
	parsers map[model.FeedType]ParseFunc
}

// NewRegistry は全フィード種別を登録済みのレジストリを生成する。
func NewRegistry() *Registry {
	universal := gofeed.NewParser()

	parse := func(data []byte) (*gofeed.Feed, error) {
		return universal.ParseString(string(data))
	}

	// rss/atomは宣言された種別とドキュメントの実種別の一致を要求する。
	// autoはドキュメント先頭からの自動判別に委ねる。
	typed := func(want gofeed.FeedType) ParseFunc {
		return func(data []byte) (*gofeed.Feed, error) {
			detected := gofeed.DetectFeedType(strings.NewReader(string(data)))
			if detected != want {
				return nil, fmt.Errorf("フィード種別が一致しません: 宣言=%v 検出=%v", want, detected)
			}
			return parse(data)
		}
	}

	return &Registry{
		parsers: map[model.FeedType]ParseFunc{
			model.FeedTypeRSS:  typed(gofeed.FeedTypeRSS),
			model.FeedTypeAtom: typed(gofeed.FeedTypeAtom),
			model.FeedTypeAuto: parse,
		},
	}
}

// Lookup はフィード種別に対応するパーサーを返す。
// 未登録の種別は設定エラーとして即座に返す。
func (r *Registry) Lookup(feedType model.FeedType) (ParseFunc, error) {
	fn, ok := r.parsers[feedType]
	if !ok {
		return nil, fmt.Errorf("未対応のフィード種別です: %q", feedType)
	}
	return fn, nil
}

// Parse は購読のフィードドキュメントをRawFeedItem列へデコードする。
// 構造的に不正なドキュメントはPARSE_FAILEDでフィード全体を失敗させる
// （スケジューラレベルでは非致命）。個々のアイテムの欠落フィールドは
// 空値のまま受理し、リンクも識別子も持たないアイテムのみスキップする。
// 戻り値のskippedはスキップしたアイテム数。
func (r *Registry) Parse(sub *model.Subscription, data []byte) (items []model.RawFeedItem, skipped int, err error) {
	fn, err := r.Lookup(sub.FeedType)
	if err != nil {
		return nil, 0, model.NewParseError(sub.FeedURL, err)
	}

	feed, err := fn(data)
	if err != nil {
		return nil, 0, model.NewParseError(sub.FeedURL, err)
	}

	items, skipped = convertItems(feed, sub)
	return items, skipped, nil
}

// convertItems はgofeedのアイテムをRawFeedItemへ変換する。
func convertItems(feed *gofeed.Feed, sub *model.Subscription) ([]model.RawFeedItem, int) {
	raw := make([]model.RawFeedItem, 0, len(feed.Items))
	skipped := 0

	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		// リンクも識別子も持たないアイテムは正規化できないためスキップ
		if item.Link == "" && item.GUID == "" {
			skipped++
			continue
		}

		converted := model.RawFeedItem{
			GuidOrID:       item.GUID,
			Title:          item.Title,
			Link:           item.Link,
			Content:        item.Content,
			Summary:        item.Description,
			SubscriptionID: sub.ID,
			FeedTitle:      feed.Title,
		}

		// GUIDが無い場合はリンクを識別子として使用する
		if converted.GuidOrID == "" {
			converted.GuidOrID = item.Link
		}

		// 著者情報
		if item.Author != nil {
			converted.Author = item.Author.Name
		}
		if converted.Author == "" && len(item.Authors) > 0 && item.Authors[0] != nil {
			converted.Author = item.Authors[0].Name
		}

		// 公開日時（欠落時はnilのままとし、正規化側で推定する）
		if item.PublishedParsed != nil {
			t := *item.PublishedParsed
			converted.PublishedAt = &t
		} else if item.UpdatedParsed != nil {
			t := *item.UpdatedParsed
			converted.PublishedAt = &t
		}

		// Contentが空の場合はDescriptionを使用
		if converted.Content == "" && item.Description != "" {
			converted.Content = item.Description
		}

		// フィード宣言のタグ
		for _, category := range item.Categories {
			category = strings.TrimSpace(category)
			if category != "" {
				converted.Tags = append(converted.Tags, category)
			}
		}

		// メディア参照
		for _, enc := range item.Enclosures {
			if enc == nil || enc.URL == "" {
				continue
			}
			converted.Enclosures = append(converted.Enclosures, model.Enclosure{
				URL:    enc.URL,
				Type:   enc.Type,
				Length: parseEnclosureLength(enc.Length),
			})
		}

		raw = append(raw, converted)
	}

	return raw, skipped
}

func parseEnclosureLength(s string) int64 {
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	return n
}
