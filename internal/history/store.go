// Package history 将结束的对局归档到本地 SQLite
package history

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // sqlite 驱动

	"github.com/qiminjie89/fleetsys/internal/event"
)

// Record 一条归档记录
type Record struct {
	GameID    string         `json:"game_id"`
	ServerID  string         `json:"server_id"`
	GameMode  string         `json:"game_mode"`
	MapName   string         `json:"map_name"`
	FinalWave int            `json:"final_wave"`
	Players   int            `json:"players"`
	Scores    map[string]int `json:"scores,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
}

// Store 对局归档存储
type Store struct {
	db *sql.DB
}

// Open 打开归档库并建表
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS game_sessions (
		game_id     TEXT PRIMARY KEY,
		server_id   TEXT NOT NULL,
		game_mode   TEXT NOT NULL,
		map_name    TEXT NOT NULL,
		final_wave  INTEGER NOT NULL,
		players     INTEGER NOT NULL,
		scores      TEXT,
		started_at  TIMESTAMP NOT NULL,
		ended_at    TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_game_sessions_ended_at ON game_sessions (ended_at DESC);
	`)
	return err
}

// Close 关闭存储
func (s *Store) Close() error {
	return s.db.Close()
}

// Archive 写入一条结束对局
func (s *Store) Archive(ev event.GameSessionEnded) error {
	scores, err := json.Marshal(ev.Scores)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
	INSERT INTO game_sessions (game_id, server_id, game_mode, map_name, final_wave, players, scores, started_at, ended_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(game_id) DO NOTHING`,
		ev.GameID, ev.ServerID, ev.GameMode, ev.MapName, ev.FinalWave, len(ev.Scores), string(scores), ev.StartedAt, ev.EndedAt,
	)
	return err
}

// Recent 返回最近结束的对局，按结束时间倒序
func (s *Store) Recent(limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	rows, err := s.db.Query(`
	SELECT game_id, server_id, game_mode, map_name, final_wave, players, scores, started_at, ended_at
	FROM game_sessions
	ORDER BY ended_at DESC
	LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		var r Record
		var scores string
		if err := rows.Scan(&r.GameID, &r.ServerID, &r.GameMode, &r.MapName, &r.FinalWave, &r.Players, &scores, &r.StartedAt, &r.EndedAt); err != nil {
			return nil, err
		}
		if scores != "" {
			_ = json.Unmarshal([]byte(scores), &r.Scores)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
