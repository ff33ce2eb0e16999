package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/hyperjump/chishiki/internal/apperr"
	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/pkg/utils"
)

const candidateColumns = `c.id AS chunk_id, c.document_id AS document_id, d.title AS document_title,
	c.content AS content, COALESCE(f.mime_type, '') AS mime_type`

const candidateFrom = ` FROM chunks c
	JOIN documents d ON d.id = c.document_id
	LEFT JOIN files f ON f.id = d.source_file_id`

// filterClause renders the WHERE conditions shared by both retrieval branches, with "?"
// placeholders. Folder, tag and MIME filters each match when any listed value matches.
func filterClause(f models.SearchFilters) (string, []any, error) {
	if f.WorkspaceID == "" {
		return "", nil, apperr.Configuration("search filters require a workspace")
	}
	clauses := []string{"d.workspace_id = ?"}
	args := []any{f.WorkspaceID}

	add := func(clause string, values []string) error {
		if len(values) == 0 {
			return nil
		}
		q, a, err := sqlx.In(clause, values)
		if err != nil {
			return fmt.Errorf("expand filter: %w", err)
		}
		clauses = append(clauses, q)
		args = append(args, a...)
		return nil
	}
	if err := add(`EXISTS (SELECT 1 FROM document_folders df
		WHERE df.document_id = d.id AND df.folder_id IN (?))`, f.FolderIDs); err != nil {
		return "", nil, err
	}
	if err := add(`EXISTS (SELECT 1 FROM document_tags dt JOIN tags t ON t.id = dt.tag_id
		WHERE dt.document_id = d.id AND t.label IN (?))`, f.TagLabels); err != nil {
		return "", nil, err
	}
	if err := add(`f.mime_type IN (?)`, f.MIMETypes); err != nil {
		return "", nil, err
	}
	return strings.Join(clauses, " AND "), args, nil
}

type candidateRow struct {
	ChunkID       string  `db:"chunk_id"`
	DocumentID    string  `db:"document_id"`
	DocumentTitle string  `db:"document_title"`
	Content       string  `db:"content"`
	MIMEType      string  `db:"mime_type"`
	Score         float64 `db:"score"`
}

func (r candidateRow) candidate() models.Candidate {
	return models.Candidate{
		ChunkID:       r.ChunkID,
		DocumentID:    r.DocumentID,
		DocumentTitle: r.DocumentTitle,
		Content:       r.Content,
		MIMEType:      r.MIMEType,
		Score:         r.Score,
	}
}

// VectorCandidates returns the k chunks nearest to embedding by cosine similarity
// (1 - cosine distance). Chunks without an embedding are never candidates.
func (s *SQLStore) VectorCandidates(ctx context.Context, embedding []float32, filters models.SearchFilters, k int) ([]models.Candidate, error) {
	if len(embedding) == 0 || k <= 0 {
		return nil, nil
	}
	where, args, err := filterClause(filters)
	if err != nil {
		return nil, err
	}
	var out []models.Candidate
	if s.dialect == DialectPostgres {
		out, err = s.vectorCandidatesPostgres(ctx, embedding, where, args, k)
	} else {
		out, err = s.vectorCandidatesScan(ctx, embedding, where, args, k)
	}
	if err != nil {
		return nil, err
	}
	return s.decorate(ctx, out)
}

func (s *SQLStore) vectorCandidatesPostgres(ctx context.Context, embedding []float32, where string, filterArgs []any, k int) ([]models.Candidate, error) {
	vec, err := s.vectorArg(embedding)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + candidateColumns + `, 1 - (c.embedding <=> ?) AS score` + candidateFrom +
		` WHERE ` + where + ` AND c.embedding IS NOT NULL ORDER BY c.embedding <=> ? LIMIT ?`
	args := append([]any{vec}, filterArgs...)
	args = append(args, vec, k)

	var rows []candidateRow
	if err := s.db.SelectContext(ctx, &rows, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("vector candidates: %w", err)
	}
	out := make([]models.Candidate, len(rows))
	for i, r := range rows {
		out[i] = r.candidate()
	}
	return out, nil
}

// vectorCandidatesScan scores every filtered chunk in Go. SQLite has no vector operator.
func (s *SQLStore) vectorCandidatesScan(ctx context.Context, embedding []float32, where string, args []any, k int) ([]models.Candidate, error) {
	query := `SELECT ` + candidateColumns + `, c.embedding AS embedding` + candidateFrom +
		` WHERE ` + where + ` AND c.embedding IS NOT NULL`
	rows, err := s.db.QueryxContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("vector candidates: %w", err)
	}
	defer rows.Close()

	var out []models.Candidate
	for rows.Next() {
		var (
			r   candidateRow
			vec nullVector
		)
		if err := rows.Scan(&r.ChunkID, &r.DocumentID, &r.DocumentTitle, &r.Content, &r.MIMEType, &vec); err != nil {
			return nil, fmt.Errorf("scan vector candidate: %w", err)
		}
		if !vec.Valid {
			continue
		}
		r.Score = utils.CosineSimilarity(embedding, vec.Vector)
		out = append(out, r.candidate())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// KeywordCandidates returns up to k chunks matching query ranked by term-frequency
// relevance. Chunks that do not match are never candidates.
func (s *SQLStore) KeywordCandidates(ctx context.Context, query string, filters models.SearchFilters, k int) ([]models.Candidate, error) {
	query = strings.TrimSpace(query)
	if query == "" || k <= 0 {
		return nil, nil
	}
	where, args, err := filterClause(filters)
	if err != nil {
		return nil, err
	}
	var out []models.Candidate
	if s.dialect == DialectPostgres {
		out, err = s.keywordCandidatesPostgres(ctx, query, where, args, k)
	} else {
		out, err = s.keywordCandidatesBleve(ctx, query, filters, where, args, k)
	}
	if err != nil {
		return nil, err
	}
	return s.decorate(ctx, out)
}

func (s *SQLStore) keywordCandidatesPostgres(ctx context.Context, query, where string, filterArgs []any, k int) ([]models.Candidate, error) {
	q := `SELECT ` + candidateColumns +
		`, ts_rank_cd(to_tsvector('english', c.content), plainto_tsquery('english', ?)) AS score` + candidateFrom +
		` WHERE ` + where + ` AND to_tsvector('english', c.content) @@ plainto_tsquery('english', ?)
		 ORDER BY score DESC LIMIT ?`
	args := append([]any{query}, filterArgs...)
	args = append(args, query, k)

	var rows []candidateRow
	if err := s.db.SelectContext(ctx, &rows, s.rebind(q), args...); err != nil {
		return nil, fmt.Errorf("keyword candidates: %w", err)
	}
	out := make([]models.Candidate, len(rows))
	for i, r := range rows {
		out[i] = r.candidate()
	}
	return out, nil
}

// keywordCandidatesBleve runs a match query on the workspace's keyword index and keeps
// the hits that pass the filters, widening the hit window until k survive or the index
// has no more matches.
func (s *SQLStore) keywordCandidatesBleve(ctx context.Context, query string, filters models.SearchFilters, where string, args []any, k int) ([]models.Candidate, error) {
	gen, err := s.keywordGeneration(ctx, s.db, filters.WorkspaceID)
	if err != nil {
		return nil, err
	}
	mq := bleve.NewMatchQuery(query)
	mq.SetField("content")

	size := k * 4
	if size < 64 {
		size = 64
	}
	for {
		req := bleve.NewSearchRequestOptions(mq, size, 0, false)
		res, err := s.keywords.search(ctx, filters.WorkspaceID, gen, s.loadKeywordDocs(filters.WorkspaceID), req)
		if err != nil {
			return nil, fmt.Errorf("keyword search: %w", err)
		}
		out, err := s.filterHits(ctx, res.Hits, where, args, k)
		if err != nil {
			return nil, err
		}
		if len(out) >= k || uint64(len(res.Hits)) >= res.Total {
			s.logger.Debug("keyword candidates",
				zap.Uint64("matches", res.Total),
				zap.Int("hits", len(out)),
			)
			return out, nil
		}
		size *= 2
	}
}

// filterHits loads the hit chunks that satisfy where, keeping index order, and returns
// at most k of them.
func (s *SQLStore) filterHits(ctx context.Context, hits search.DocumentMatchCollection, where string, args []any, k int) ([]models.Candidate, error) {
	if len(hits) == 0 {
		return nil, nil
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	q, inArgs, err := sqlx.In(`SELECT `+candidateColumns+`, 0 AS score`+candidateFrom+
		` WHERE `+where+` AND c.id IN (?)`, append(append([]any{}, args...), ids)...)
	if err != nil {
		return nil, fmt.Errorf("expand keyword hits: %w", err)
	}
	var rows []candidateRow
	if err := s.db.SelectContext(ctx, &rows, s.rebind(q), inArgs...); err != nil {
		return nil, fmt.Errorf("keyword candidates: %w", err)
	}
	byID := make(map[string]candidateRow, len(rows))
	for _, r := range rows {
		byID[r.ChunkID] = r
	}
	out := make([]models.Candidate, 0, k)
	for _, h := range hits {
		r, ok := byID[h.ID]
		if !ok {
			continue
		}
		r.Score = h.Score
		out = append(out, r.candidate())
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// decorate loads folder ids and tag labels for the candidates' documents.
func (s *SQLStore) decorate(ctx context.Context, cands []models.Candidate) ([]models.Candidate, error) {
	if len(cands) == 0 {
		return cands, nil
	}
	ids := make([]string, 0, len(cands))
	seen := make(map[string]bool, len(cands))
	for _, c := range cands {
		if !seen[c.DocumentID] {
			seen[c.DocumentID] = true
			ids = append(ids, c.DocumentID)
		}
	}

	type link struct {
		DocumentID string `db:"document_id"`
		Value      string `db:"value"`
	}
	load := func(query string) (map[string][]string, error) {
		q, args, err := sqlx.In(query, ids)
		if err != nil {
			return nil, err
		}
		var links []link
		if err := s.db.SelectContext(ctx, &links, s.rebind(q), args...); err != nil {
			return nil, err
		}
		m := make(map[string][]string, len(ids))
		for _, l := range links {
			m[l.DocumentID] = append(m[l.DocumentID], l.Value)
		}
		return m, nil
	}

	folders, err := load(`SELECT document_id, folder_id AS value FROM document_folders
		WHERE document_id IN (?) ORDER BY folder_id`)
	if err != nil {
		return nil, fmt.Errorf("load folders: %w", err)
	}
	tags, err := load(`SELECT dt.document_id AS document_id, t.label AS value
		FROM document_tags dt JOIN tags t ON t.id = dt.tag_id
		WHERE dt.document_id IN (?) ORDER BY t.label`)
	if err != nil {
		return nil, fmt.Errorf("load tags: %w", err)
	}
	for i := range cands {
		cands[i].FolderIDs = nonNil(folders[cands[i].DocumentID])
		cands[i].Tags = nonNil(tags[cands[i].DocumentID])
	}
	return cands, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
