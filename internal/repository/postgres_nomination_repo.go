package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/nomikura/internal/model"
)

// uniqueViolationCode はPostgreSQLの一意制約違反のエラーコード。
const uniqueViolationCode = "23505"

// isUniqueViolation はエラーが一意制約違反かどうかを判定する。
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolationCode
	}
	return false
}

// PostgresNominationRepo はPostgreSQLを使用したノミネーションリポジトリ。
// canonical_keyの一意制約とversionカラムによる楽観的並行制御で、
// 1つのcanonical URLにつきNominationが高々1件である不変条件を保証する。
type PostgresNominationRepo struct {
	db *sql.DB
}

// NewPostgresNominationRepo はPostgresNominationRepoを生成する。
func NewPostgresNominationRepo(db *sql.DB) *PostgresNominationRepo {
	return &PostgresNominationRepo{db: db}
}

const nominationColumns = `id, canonical_url, canonical_key, title, content,
	source_slug, tags, nominators, nomination_count, source_repeat, state,
	feed_item_ids, version, date_nominated, last_modified`

// scanNomination は1行をmodel.Nominationに読み込む。
func scanNomination(row interface {
	Scan(dest ...interface{}) error
}) (*model.Nomination, error) {
	nom := &model.Nomination{}
	var tags, nominators, feedItemIDs pq.StringArray
	var state string

	err := row.Scan(
		&nom.ID, &nom.CanonicalURL, &nom.CanonicalKey, &nom.Title, &nom.Content,
		&nom.SourceSlug, &tags, &nominators, &nom.NominationCount, &nom.SourceRepeat,
		&state, &feedItemIDs, &nom.Version, &nom.DateNominated, &nom.LastModified,
	)
	if err != nil {
		return nil, err
	}

	nom.State = model.NominationState(state)
	nom.Tags = []string(tags)
	nom.Nominators = []string(nominators)
	nom.FeedItemIDs = []string(feedItemIDs)
	return nom, nil
}

// FindByID は指定IDのノミネーションを取得する。見つからない場合はnilを返す。
func (r *PostgresNominationRepo) FindByID(ctx context.Context, id string) (*model.Nomination, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+nominationColumns+` FROM nominations WHERE id = $1`, id)

	nom, err := scanNomination(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ノミネーションの取得に失敗しました: %w", err)
	}
	return nom, nil
}

// FindByCanonicalKey はcanonical_keyでノミネーションを検索する。
func (r *PostgresNominationRepo) FindByCanonicalKey(ctx context.Context, key string) (*model.Nomination, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+nominationColumns+` FROM nominations WHERE canonical_key = $1`, key)

	nom, err := scanNomination(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("canonical keyによるノミネーションの検索に失敗しました: %w", err)
	}
	return nom, nil
}

// Create はノミネーションを作成する。
// 並行作成が競合した場合（canonical_key一意制約違反）は
// CONCURRENT_UPDATE_CONFLICTを返し、呼び出し元が再読込してマージする。
func (r *PostgresNominationRepo) Create(ctx context.Context, nom *model.Nomination) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO nominations (
			id, canonical_url, canonical_key, title, content,
			source_slug, tags, nominators, nomination_count, source_repeat, state,
			feed_item_ids, version, date_nominated, last_modified
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		nom.ID, nom.CanonicalURL, nom.CanonicalKey, nom.Title, nom.Content,
		nom.SourceSlug, pq.Array(nom.Tags), pq.Array(nom.Nominators),
		nom.NominationCount, nom.SourceRepeat, string(nom.State),
		pq.Array(nom.FeedItemIDs), nom.Version, nom.DateNominated, nom.LastModified,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.NewConcurrentUpdateError(nom.CanonicalKey)
		}
		return fmt.Errorf("ノミネーションの作成に失敗しました: %w", err)
	}
	return nil
}

// UpdateVersioned はバージョントークンが一致する場合のみノミネーションを更新する。
// 0行更新（トークン不一致）はCONCURRENT_UPDATE_CONFLICTとして報告し、
// 呼び出し元のリトライループに委ねる。
func (r *PostgresNominationRepo) UpdateVersioned(ctx context.Context, nom *model.Nomination) error {
	var newVersion int64
	err := r.db.QueryRowContext(ctx,
		`UPDATE nominations
		 SET title = $1, content = $2, source_slug = $3, tags = $4,
		     nominators = $5, nomination_count = $6, source_repeat = $7,
		     state = $8, feed_item_ids = $9, last_modified = $10,
		     version = version + 1
		 WHERE id = $11 AND version = $12
		 RETURNING version`,
		nom.Title, nom.Content, nom.SourceSlug, pq.Array(nom.Tags),
		pq.Array(nom.Nominators), nom.NominationCount, nom.SourceRepeat,
		string(nom.State), pq.Array(nom.FeedItemIDs), nom.LastModified,
		nom.ID, nom.Version,
	).Scan(&newVersion)

	if err == sql.ErrNoRows {
		return model.NewConcurrentUpdateError(nom.CanonicalKey)
	}
	if err != nil {
		return fmt.Errorf("ノミネーションの条件付き更新に失敗しました: %w", err)
	}

	nom.Version = newVersion
	return nil
}

// ListByState は指定状態のノミネーション一覧をlast_modified降順で返す。
// カーソルベースページネーションを使用する。
func (r *PostgresNominationRepo) ListByState(ctx context.Context, state model.NominationState, cursor time.Time, limit int) ([]*model.Nomination, error) {
	if cursor.IsZero() {
		cursor = time.Now().Add(time.Hour)
	}

	var rows *sql.Rows
	var err error
	if state == "" {
		rows, err = r.db.QueryContext(ctx,
			`SELECT `+nominationColumns+`
			 FROM nominations
			 WHERE last_modified < $1
			 ORDER BY last_modified DESC
			 LIMIT $2`,
			cursor, limit)
	} else {
		rows, err = r.db.QueryContext(ctx,
			`SELECT `+nominationColumns+`
			 FROM nominations
			 WHERE state = $1 AND last_modified < $2
			 ORDER BY last_modified DESC
			 LIMIT $3`,
			string(state), cursor, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("ノミネーション一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var noms []*model.Nomination
	for rows.Next() {
		nom, err := scanNomination(rows)
		if err != nil {
			return nil, fmt.Errorf("ノミネーションの読み取りに失敗しました: %w", err)
		}
		noms = append(noms, nom)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ノミネーション一覧の走査に失敗しました: %w", err)
	}
	return noms, nil
}
