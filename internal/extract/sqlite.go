package extract

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

// openReadOnly opens a tool-owned SQLite database without taking write
// locks on it.
func openReadOnly(path string) (*sql.DB, error) {
	dsn := (&url.URL{Scheme: "file", Path: path, RawQuery: "mode=ro"}).String()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return db, nil
}

// CrushSession reads telemetry from a crush data directory's crush.db.
// The run must have produced exactly one root session, and its assistant
// messages must agree on a single model.
func CrushSession(ctx context.Context, dbPath string) (telemetry.Record, error) {
	db, err := openReadOnly(dbPath)
	if err != nil {
		return telemetry.Record{}, telemetry.Unusable("%v", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT id, prompt_tokens, completion_tokens, cost
		FROM sessions
		WHERE parent_session_id IS NULL
		ORDER BY created_at DESC`)
	if err != nil {
		return telemetry.Record{}, telemetry.Unusable("query sessions: %v", err)
	}
	type session struct {
		id                 string
		prompt, completion sql.NullInt64
		cost               sql.NullFloat64
	}
	var roots []session
	for rows.Next() {
		var s session
		if err := rows.Scan(&s.id, &s.prompt, &s.completion, &s.cost); err != nil {
			rows.Close()
			return telemetry.Record{}, telemetry.Unusable("scan session: %v", err)
		}
		roots = append(roots, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return telemetry.Record{}, telemetry.Unusable("read sessions: %v", err)
	}
	if len(roots) != 1 {
		return telemetry.Record{}, telemetry.Unusable("expected one root session, found %d", len(roots))
	}
	root := roots[0]
	if strings.TrimSpace(root.id) == "" || !root.prompt.Valid || !root.completion.Valid {
		return telemetry.Record{}, telemetry.Unusable("root session lacks token counters")
	}
	u, err := telemetry.NewUsage(int(root.prompt.Int64), int(root.completion.Int64))
	if err != nil {
		return telemetry.Record{}, err
	}

	model, err := crushModel(ctx, db, root.id)
	if err != nil {
		return telemetry.Record{}, err
	}

	var calls, tools int
	if err := db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM messages
		WHERE session_id = ?
		  AND role = 'assistant'
		  AND COALESCE(is_summary_message, 0) = 0`, root.id).Scan(&calls); err != nil {
		return telemetry.Record{}, telemetry.Unusable("count calls: %v", err)
	}
	if err := db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM messages m, json_each(m.parts) p
		WHERE m.session_id = ?
		  AND m.role = 'assistant'
		  AND COALESCE(m.is_summary_message, 0) = 0
		  AND json_extract(p.value, '$.type') = 'tool_call'`, root.id).Scan(&tools); err != nil {
		return telemetry.Record{}, telemetry.Unusable("count tool calls: %v", err)
	}

	var response sql.NullString
	err = db.QueryRowContext(ctx, `
		SELECT json_extract(p.value, '$.data.text')
		FROM messages m, json_each(m.parts) p
		WHERE m.session_id = ?
		  AND m.role = 'assistant'
		  AND COALESCE(m.is_summary_message, 0) = 0
		  AND json_extract(p.value, '$.type') = 'text'
		  AND TRIM(COALESCE(json_extract(p.value, '$.data.text'), '')) != ''
		ORDER BY m.created_at DESC, p.key DESC
		LIMIT 1`, root.id).Scan(&response)
	if err != nil && err != sql.ErrNoRows {
		return telemetry.Record{}, telemetry.Unusable("read response: %v", err)
	}

	rec := telemetry.Record{
		ModelsUsage: telemetry.Single(model, u),
		LLMCalls:    telemetry.Int(calls),
		ToolCalls:   telemetry.Int(tools),
		Model:       model,
		Response:    telemetry.Text(response.String),
	}
	if root.cost.Valid {
		rec.TotalCost = telemetry.Float(root.cost.Float64)
	}
	return rec, nil
}

func crushModel(ctx context.Context, db *sql.DB, sessionID string) (string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT DISTINCT model
		FROM messages
		WHERE session_id = ?
		  AND role = 'assistant'
		  AND COALESCE(is_summary_message, 0) = 0
		ORDER BY model ASC`, sessionID)
	if err != nil {
		return "", telemetry.Unusable("query models: %v", err)
	}
	defer rows.Close()

	var models []string
	for rows.Next() {
		var m sql.NullString
		if err := rows.Scan(&m); err != nil {
			return "", telemetry.Unusable("scan model: %v", err)
		}
		if !m.Valid || strings.TrimSpace(m.String) == "" {
			return "", telemetry.Unusable("assistant message without model")
		}
		models = append(models, strings.TrimSpace(m.String))
	}
	if err := rows.Err(); err != nil {
		return "", telemetry.Unusable("read models: %v", err)
	}
	if len(models) != 1 {
		return "", telemetry.Unusable("expected one assistant model, found %d", len(models))
	}
	return models[0], nil
}
