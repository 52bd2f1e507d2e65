package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/nomikura/internal/middleware"
	"github.com/hitoshi/nomikura/internal/model"
)

// NominationServiceInterface はノミネーションハンドラーが必要とするサービスインターフェース。
type NominationServiceInterface interface {
	// NominateURL はURLを解決しノミネーションへupsertする。
	// 2番目の戻り値は新規ノミネーションを作成した場合にtrue。
	NominateURL(ctx context.Context, rawURL, nominator string) (*model.Nomination, bool, error)
	// Archive はノミネーションをアーカイブ状態へ遷移させる。
	Archive(ctx context.Context, id string) (*model.Nomination, error)
	// ArchiveAll は非終端の全ノミネーションをアーカイブし、件数を返す。
	ArchiveAll(ctx context.Context) (int, error)
	// Promote はノミネーションをドラフト生成へ引き渡す。
	Promote(ctx context.Context, id string) (*model.Nomination, error)
}

// NominationFinder はノミネーションの参照系インターフェース。
type NominationFinder interface {
	// FindByID は指定IDのノミネーションを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Nomination, error)
	// ListByState は指定状態のノミネーション一覧をlast_modified降順で返す。
	ListByState(ctx context.Context, state model.NominationState, cursor time.Time, limit int) ([]*model.Nomination, error)
}

// UpsertMetricsRecorder はノミネーション操作のメトリクス記録インターフェース。
type UpsertMetricsRecorder interface {
	RecordNominationUpsert(created bool)
	RecordUpsertConflict()
	RecordPromotion()
}

// NominationHandler はノミネーション管理のHTTPハンドラー。
type NominationHandler struct {
	service NominationServiceInterface
	finder  NominationFinder
	metrics UpsertMetricsRecorder
}

// NewNominationHandler はNominationHandlerを生成する。
// metricsはnilでもよい。
func NewNominationHandler(service NominationServiceInterface, finder NominationFinder, metrics UpsertMetricsRecorder) *NominationHandler {
	return &NominationHandler{
		service: service,
		finder:  finder,
		metrics: metrics,
	}
}

// nominateRequest はノミネーション登録リクエストのボディ。
type nominateRequest struct {
	URL       string `json:"url"`
	Nominator string `json:"nominator"`
}

// nominationResponse はノミネーション情報のAPIレスポンス。
type nominationResponse struct {
	ID              string    `json:"id"`
	CanonicalURL    string    `json:"canonical_url"`
	Title           string    `json:"title"`
	SourceSlug      string    `json:"source_slug,omitempty"`
	Tags            []string  `json:"tags,omitempty"`
	Nominators      []string  `json:"nominators"`
	NominationCount int       `json:"nomination_count"`
	SourceRepeat    int       `json:"source_repeat"`
	State           string    `json:"state"`
	DateNominated   time.Time `json:"date_nominated"`
	LastModified    time.Time `json:"last_modified"`
}

// listNominationsResponse はノミネーション一覧のAPIレスポンス。
// NextCursorは次ページ取得用のlast_modifiedカーソル。
type listNominationsResponse struct {
	Nominations []nominationResponse `json:"nominations"`
	NextCursor  string               `json:"next_cursor,omitempty"`
}

// archiveAllResponse は一括アーカイブのAPIレスポンス。
type archiveAllResponse struct {
	Archived int `json:"archived"`
}

func toNominationResponse(nom *model.Nomination) nominationResponse {
	return nominationResponse{
		ID:              nom.ID,
		CanonicalURL:    nom.CanonicalURL,
		Title:           nom.Title,
		SourceSlug:      nom.SourceSlug,
		Tags:            nom.Tags,
		Nominators:      nom.Nominators,
		NominationCount: nom.NominationCount,
		SourceRepeat:    nom.SourceRepeat,
		State:           string(nom.State),
		DateNominated:   nom.DateNominated,
		LastModified:    nom.LastModified,
	}
}

// Nominate はレビュアーによるURLノミネーションを処理する。
// POST /nominations
func (h *NominationHandler) Nominate(w http.ResponseWriter, r *http.Request) {
	var req nominateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			"INVALID_REQUEST", "リクエストボディの解析に失敗しました。")
		return
	}

	if req.URL == "" {
		middleware.WritePipelineError(w, model.NewInvalidURLError("URLが空です"))
		return
	}
	if req.Nominator == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			"INVALID_REQUEST", "nominatorは必須です。")
		return
	}

	nom, created, err := h.service.NominateURL(r.Context(), req.URL, req.Nominator)
	if err != nil {
		if model.IsCode(err, model.ErrCodeConcurrentUpdate) && h.metrics != nil {
			h.metrics.RecordUpsertConflict()
		}
		handleServiceError(w, err)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordNominationUpsert(created)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(toNominationResponse(nom))
}

// GetNomination はノミネーション詳細を取得する。
// GET /nominations/{id}
func (h *NominationHandler) GetNomination(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	nom, err := h.finder.FindByID(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	if nom == nil {
		middleware.WritePipelineError(w, model.NewNominationNotFoundError(id))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toNominationResponse(nom))
}

// ListNominations はノミネーション一覧を取得する。
// GET /nominations?state=nominated&cursor=<RFC3339>&limit=50
func (h *NominationHandler) ListNominations(w http.ResponseWriter, r *http.Request) {
	state := model.NominationState(r.URL.Query().Get("state"))
	switch state {
	case "", model.NominationStateNew, model.NominationStateNominated,
		model.NominationStateArchived, model.NominationStatePromoted:
	default:
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			"INVALID_REQUEST", "不正なstateパラメータです。")
		return
	}

	cursor := time.Time{}
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			middleware.WriteErrorResponse(w, http.StatusBadRequest,
				"INVALID_REQUEST", "不正なcursorパラメータです。RFC3339形式で指定してください。")
			return
		}
		cursor = parsed
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 200 {
			middleware.WriteErrorResponse(w, http.StatusBadRequest,
				"INVALID_REQUEST", "limitは1〜200の整数で指定してください。")
			return
		}
		limit = parsed
	}

	noms, err := h.finder.ListByState(r.Context(), state, cursor, limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := listNominationsResponse{
		Nominations: make([]nominationResponse, len(noms)),
	}
	for i, nom := range noms {
		resp.Nominations[i] = toNominationResponse(nom)
	}
	if len(noms) == limit {
		resp.NextCursor = noms[len(noms)-1].LastModified.Format(time.RFC3339Nano)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// ArchiveNomination はノミネーションをアーカイブする。
// POST /nominations/{id}/archive
func (h *NominationHandler) ArchiveNomination(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	nom, err := h.service.Archive(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toNominationResponse(nom))
}

// ArchiveAllNominations は非終端の全ノミネーションを一括アーカイブする。
// POST /nominations/archive-all
func (h *NominationHandler) ArchiveAllNominations(w http.ResponseWriter, r *http.Request) {
	count, err := h.service.ArchiveAll(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(archiveAllResponse{Archived: count})
}

// PromoteNomination はノミネーションをドラフト生成へ引き渡す。
// POST /nominations/{id}/promote
func (h *NominationHandler) PromoteNomination(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	nom, err := h.service.Promote(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordPromotion()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toNominationResponse(nom))
}

// handleServiceError はサービス層のエラーをHTTPレスポンスへ変換する。
// PipelineError以外の詳細はログのみに記録する。
func handleServiceError(w http.ResponseWriter, err error) {
	var pe *model.PipelineError
	if errors.As(err, &pe) {
		middleware.WritePipelineError(w, err)
		return
	}

	slog.Error("unexpected service error", slog.Any("error", err))
	middleware.WriteInternalServerError(w)
}
