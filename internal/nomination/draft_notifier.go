package nomination

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/nomikura/internal/model"
)

// notifyUserAgent はドラフト通知リクエストのUser-Agentヘッダ。
const notifyUserAgent = "Nomikura/1.0 Feed Aggregator"

// WebhookNotifier はドラフト生成コラボレーターへのWebhook通知クライアント。
// マージ済みのノミネーションペイロードをJSONでPOSTする。
type WebhookNotifier struct {
	httpClient *http.Client
	logger     *slog.Logger
	endpoint   string
}

// NewWebhookNotifier はWebhookNotifierの新しいインスタンスを生成する。
func NewWebhookNotifier(httpClient *http.Client, logger *slog.Logger, endpoint string) *WebhookNotifier {
	return &WebhookNotifier{
		httpClient: httpClient,
		logger:     logger,
		endpoint:   endpoint,
	}
}

// NotifyDraft はペイロードをエンドポイントへPOSTする。
// 2xx以外のステータスはエラーとして返す（呼び出し元は状態を
// ロールバックせず、失敗の記録のみ行う）。
func (n *WebhookNotifier) NotifyDraft(ctx context.Context, payload model.DraftPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ペイロードのエンコードに失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", notifyUserAgent)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.logger.Error("ドラフト通知の送信に失敗しました",
			slog.String("nomination_id", payload.NominationID),
			slog.String("error", err.Error()),
		)
		return err
	}
	defer resp.Body.Close()
	// レスポンスボディは使用しないが、接続再利用のため読み捨てる
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		n.logger.Error("ドラフト通知がエラーステータスを返しました",
			slog.String("nomination_id", payload.NominationID),
			slog.Int("http_status", resp.StatusCode),
		)
		return fmt.Errorf("ドラフト通知がステータス %d を返しました", resp.StatusCode)
	}

	n.logger.Info("ドラフト通知を送信しました",
		slog.String("nomination_id", payload.NominationID),
		slog.String("canonical_url", payload.CanonicalURL),
	)
	return nil
}

// NopNotifier は通知先が未設定の場合に使用するno-op実装。
// ログ出力のみ行い、常に成功を返す。
type NopNotifier struct {
	logger *slog.Logger
}

// NewNopNotifier はNopNotifierの新しいインスタンスを生成する。
func NewNopNotifier(logger *slog.Logger) *NopNotifier {
	return &NopNotifier{logger: logger}
}

// NotifyDraft は通知を送信せず、ログに記録するだけで成功を返す。
func (n *NopNotifier) NotifyDraft(_ context.Context, payload model.DraftPayload) error {
	n.logger.Info("ドラフト通知先が未設定のため送信をスキップしました",
		slog.String("nomination_id", payload.NominationID),
	)
	return nil
}
