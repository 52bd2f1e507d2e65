// Package resolver はURLの正規化とリダイレクトチェーンの解決を提供する。
// 正規化されたURLは重複排除キーとして使用される。
package resolver

import (
	"net/url"
	"strings"

	"github.com/hitoshi/nomikura/internal/model"
)

// trackingParamNames は除去対象のトラッキングパラメータ名。
var trackingParamNames = map[string]bool{
	"fbclid":      true,
	"gclid":       true,
	"dclid":       true,
	"msclkid":     true,
	"mc_cid":      true,
	"mc_eid":      true,
	"igshid":      true,
	"ref":         true,
	"ref_src":     true,
	"cmpid":       true,
	"s_cid":       true,
	"yclid":       true,
	"_hsenc":      true,
	"_hsmi":       true,
	"oly_enc_id":  true,
	"oly_anon_id": true,
}

// isTrackingParam はクエリパラメータ名がトラッキング目的かを判定する。
// utm_プレフィックスの全パラメータと既知の個別パラメータが対象。
func isTrackingParam(name string) bool {
	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, "utm_") {
		return true
	}
	return trackingParamNames[lower]
}

// Normalize はURLをネットワークアクセスなしで正規化し、CanonicalURLを返す。
// 正規化の内容:
//   - スキームとホストの小文字化、デフォルトポートの除去
//   - フラグメント識別子の除去
//   - トラッキングパラメータの除去、残余クエリのキー順ソート
//   - ルート以外のパス末尾スラッシュの除去
//
// 2つのURLは、正規化後のhost+path+残余クエリがバイト列一致する場合に
// 同一の正規識別子を持つとみなされる。
func Normalize(rawURL string) (*model.CanonicalURL, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return nil, model.NewInvalidURLError("空のURL")
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, model.NewInvalidURLError(trimmed)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, model.NewInvalidURLError("http/https以外のスキーム: " + parsed.Scheme)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return nil, model.NewInvalidURLError("ホストが空です: " + trimmed)
	}

	// デフォルトポートは同一性に影響しない
	if port := parsed.Port(); port != "" {
		if !(scheme == "http" && port == "80") && !(scheme == "https" && port == "443") {
			host = host + ":" + port
		}
	}

	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}

	// トラッキングパラメータの除去。url.Values.Encodeはキー順で
	// 安定ソートされるため、パラメータ順の違いも吸収される。
	query := parsed.Query()
	for name := range query {
		if isTrackingParam(name) {
			delete(query, name)
		}
	}
	encodedQuery := query.Encode()

	key := host + path
	normalized := scheme + "://" + host + path
	if encodedQuery != "" {
		key += "?" + encodedQuery
		normalized += "?" + encodedQuery
	}

	return &model.CanonicalURL{
		URL:  normalized,
		Key:  key,
		Host: host,
		Slug: HostSlug(host),
	}, nil
}

// HostSlug はホスト名からスラグを導出する。
// www.プレフィックスを除去し、英数字以外をハイフンに置換する。
// 連続するハイフンは1つに畳み、先頭・末尾のハイフンは除去する。
func HostSlug(host string) string {
	h := strings.ToLower(host)
	h = strings.TrimPrefix(h, "www.")

	var b strings.Builder
	prevHyphen := false
	for _, r := range h {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			prevHyphen = false
			continue
		}
		if !prevHyphen {
			b.WriteByte('-')
			prevHyphen = true
		}
	}
	return strings.Trim(b.String(), "-")
}
