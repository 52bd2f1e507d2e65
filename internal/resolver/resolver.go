package resolver

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/nomikura/internal/model"
)

// SSRFValidator はSSRF検証のインターフェース。
// security.SSRFGuardServiceを抽象化してテスタビリティを向上させる。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// Resolver はリダイレクトチェーンを辿って安定したソースURLを解決する。
// 短縮URLラッパーはリダイレクト追跡で自然に展開される。
// 訪問済みURL集合による循環検出と、設定可能なホップ数上限を持つ。
type Resolver struct {
	ssrfGuard SSRFValidator
	logger    *slog.Logger
	maxHops   int
	timeout   time.Duration
}

// defaultMaxHops はリダイレクト追跡のホップ数上限のデフォルト値。
const defaultMaxHops = 10

// NewResolver はResolverの新しいインスタンスを生成する。
// maxHopsが0以下の場合はデフォルト値10を使用する。
func NewResolver(ssrfGuard SSRFValidator, logger *slog.Logger, maxHops int, timeout time.Duration) *Resolver {
	if maxHops <= 0 {
		maxHops = defaultMaxHops
	}
	return &Resolver{
		ssrfGuard: ssrfGuard,
		logger:    logger,
		maxHops:   maxHops,
		timeout:   timeout,
	}
}

// Resolve はURLのリダイレクトチェーンを辿り、終端URLの正規形を返す。
// 各ホップでSSRF検証を行い、以下のエラーを区別して報告する:
//   - REDIRECT_LOOP: 訪問済みURLがチェーンに再出現した
//   - REDIRECT_LIMIT_EXCEEDED: ホップ数上限を超えて終端しない
//   - UNREACHABLE_SOURCE: ネットワーク失敗または非2xx終端レスポンス
//
// UNREACHABLE_SOURCEは取得サイクル全体には非致命であり、
// 呼び出し元は該当アイテムのみをスキップする。
func (r *Resolver) Resolve(ctx context.Context, rawURL string) (*model.CanonicalURL, error) {
	client := r.ssrfGuard.NewSafeClient(r.timeout, 1<<20)
	// リダイレクトは手動で追跡する
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	visited := make(map[string]bool)
	current := rawURL

	for hop := 0; ; hop++ {
		canon, err := Normalize(current)
		if err != nil {
			return nil, err
		}

		if visited[canon.Key] {
			r.logger.Warn("リダイレクトチェーンに循環を検出しました",
				slog.String("url", rawURL),
				slog.String("loop_at", current),
				slog.Int("hops", hop),
			)
			return nil, model.NewRedirectLoopError(current)
		}
		visited[canon.Key] = true

		if hop > r.maxHops {
			return nil, model.NewRedirectLimitError(rawURL, r.maxHops)
		}

		if err := r.ssrfGuard.ValidateURL(current); err != nil {
			return nil, model.NewSSRFBlockedError(current)
		}

		location, status, err := r.fetchOnce(ctx, client, current)
		if err != nil {
			return nil, model.NewUnreachableSourceError(current, err)
		}

		if location == "" {
			// 終端レスポンス
			if status < 200 || status >= 300 {
				return nil, model.NewUnreachableSourceError(current, nil)
			}
			return canon, nil
		}

		next, err := resolveReference(current, location)
		if err != nil {
			return nil, model.NewUnreachableSourceError(current, err)
		}
		current = next
	}
}

// fetchOnce は1回のGETを実行し、リダイレクト先（あれば）とステータスを返す。
// ボディは読み捨てて接続を再利用可能にする。
func (r *Resolver) fetchOnce(ctx context.Context, client *http.Client, target string) (location string, status int, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("User-Agent", "Nomikura/1.0 Feed Aggregator")

	resp, err := client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		loc := resp.Header.Get("Location")
		if loc == "" {
			return "", resp.StatusCode, nil
		}
		return loc, resp.StatusCode, nil
	default:
		return "", resp.StatusCode, nil
	}
}

// resolveReference はLocationヘッダの相対URLを現在のURLに対して解決する。
func resolveReference(base, ref string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(refURL).String(), nil
}
