// Package extractor は取得したページのマークアップから本文を抽出する。
// ナビゲーション・広告・コメント等のボイラープレートを除去し、
// クリーンな本文・導出タイトル・抜粋を生成する。
package extractor

import (
	"log/slog"
	"net/url"
	"strings"
	"unicode"

	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hitoshi/nomikura/internal/model"
)

// defaultExcerptLength は抜粋の最大文字数のデフォルト値。
const defaultExcerptLength = 255

// ExtractedContent は抽出結果。
type ExtractedContent struct {
	Title   string // 導出タイトル（抽出失敗時はフィード宣言のタイトル）
	Content string // サニタイズ済みの本文HTML
	Excerpt string // 本文テキストの先頭からの抜粋（単語境界で切り詰め）
}

// Sanitizer は本文HTMLのサニタイズを行うインターフェース。
type Sanitizer interface {
	Sanitize(rawHTML string) string
}

// Extractor はページマークアップから本文を抽出する。
// 不均衡なタグは修復パスで補正してから抽出にかける。
type Extractor struct {
	sanitizer     Sanitizer
	logger        *slog.Logger
	excerptLength int
}

// NewExtractor はExtractorの新しいインスタンスを生成する。
// excerptLengthが0以下の場合はデフォルト値255を使用する。
func NewExtractor(sanitizer Sanitizer, logger *slog.Logger, excerptLength int) *Extractor {
	if excerptLength <= 0 {
		excerptLength = defaultExcerptLength
	}
	return &Extractor{
		sanitizer:     sanitizer,
		logger:        logger,
		excerptLength: excerptLength,
	}
}

// Extract はマークアップから本文・タイトル・抜粋を抽出する。
// 抽出不能な入力にはEXTRACTION_FAILEDを返し、呼び出し元は
// フィード宣言のサマリへフォールバックする（アイテム自体は失敗しない）。
// タイトルは 抽出結果 → og:title → fallbackTitle の順で決定する。
func (e *Extractor) Extract(rawHTML, baseURL, fallbackTitle string) (*ExtractedContent, error) {
	if strings.TrimSpace(rawHTML) == "" {
		return nil, model.NewExtractionError(baseURL, nil)
	}

	repaired := RepairHTML(rawHTML)

	var pageURL *url.URL
	if baseURL != "" {
		// ベースURLが不正でも抽出自体は続行する（相対リンク解決を諦めるだけ）
		pageURL, _ = url.Parse(baseURL)
	}

	article, err := readability.FromReader(strings.NewReader(repaired), pageURL)
	if err != nil {
		e.logger.Debug("本文抽出に失敗しました",
			"url", baseURL,
			"error", err.Error(),
		)
		return nil, model.NewExtractionError(baseURL, err)
	}
	if strings.TrimSpace(article.TextContent) == "" {
		return nil, model.NewExtractionError(baseURL, nil)
	}

	title := strings.TrimSpace(article.Title)
	if title == "" {
		title = ogTitle(repaired)
	}
	if title == "" {
		title = fallbackTitle
	}

	return &ExtractedContent{
		Title:   title,
		Content: e.sanitizer.Sanitize(article.Content),
		Excerpt: Excerpt(article.TextContent, e.excerptLength),
	}, nil
}

// Excerpt はテキストの先頭maxRunes文字の抜粋を返す。
// 切り詰めは単語境界で行い、語の途中では切らない。
// 境界が見つからない場合（長大な連続文字列）はそのまま切る。
func Excerpt(text string, maxRunes int) string {
	text = collapseWhitespace(text)
	runes := []rune(text)
	if len(runes) <= maxRunes {
		return text
	}

	cut := maxRunes
	for i := maxRunes; i > 0; i-- {
		if unicode.IsSpace(runes[i-1]) {
			cut = i - 1
			break
		}
	}
	if cut == 0 {
		cut = maxRunes
	}
	return strings.TrimRight(string(runes[:cut]), " \t\n") + "…"
}

// collapseWhitespace は連続する空白を単一スペースに畳み込む。
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ogTitle はマークアップからog:titleメタタグの値を取り出す。
// 見つからない場合は空文字列を返す。
func ogTitle(rawHTML string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(rawHTML))
	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			return ""
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		token := tokenizer.Token()
		if token.DataAtom != atom.Meta {
			continue
		}
		var property, content string
		for _, attr := range token.Attr {
			switch attr.Key {
			case "property", "name":
				property = attr.Val
			case "content":
				content = attr.Val
			}
		}
		if property == "og:title" && strings.TrimSpace(content) != "" {
			return strings.TrimSpace(content)
		}
	}
}
