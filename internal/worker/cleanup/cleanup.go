// Package cleanup はフィードアイテムの自動削除ジョブを提供する。
// 保持期間（デフォルト180日）を超過したフィードアイテムを日次バッチで削除する。
// 非終端ノミネーションが参照しているアイテムは削除対象から除外する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CleanupJob は保持期間を超過したフィードアイテムの自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	db            Executor
	logger        *slog.Logger
	RetentionDays int // フィードアイテムの保持日数（デフォルト: 180）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの保持日数は180日。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:            db,
		logger:        logger,
		RetentionDays: 180,
	}
}

// Run は保持期間を超過したフィードアイテムを削除する。
// first_seen_atがRetentionDays日前より古いアイテムのうち、
// レビュー中（非終端状態）のノミネーションが参照していないものをDELETEする。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	interval := fmt.Sprintf("%d days", j.RetentionDays)

	query := `
		DELETE FROM feed_items
		WHERE first_seen_at < now() - $1::interval
		  AND id::text NOT IN (
			SELECT unnest(feed_item_ids) FROM nominations
			WHERE state IN ('new', 'nominated')
		  )`
	result, err := j.db.ExecContext(ctx, query, interval)
	if err != nil {
		j.logger.Error("フィードアイテムのクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("フィードアイテムのクリーンアップの実行に失敗: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("フィードアイテムのクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
