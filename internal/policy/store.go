// Package policy 主机角色的设备准入: BadUSB 检测结果和 sqlite 黑名单
package policy

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var ErrClosed = errors.New("policy store closed")

// Store 设备黑名单. (vid, pid, serial) 联合主键, serial 为 "*" 时匹配该型号的所有设备.
type Store struct {
	db            *sql.DB
	requireSerial bool
	log           *zap.Logger
}

type Option func(*Store)

// WithRequireSerial 拒绝没有序列号或序列号为全零的设备
func WithRequireSerial(on bool) Option {
	return func(s *Store) { s.requireSerial = on }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Store) { s.log = log }
}

const schema = `
CREATE TABLE IF NOT EXISTS blocklist (
	vid TEXT NOT NULL,
	pid TEXT NOT NULL,
	serial TEXT NOT NULL,
	reason TEXT,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (vid, pid, serial)
);
`

// Open 打开 (或创建) 数据库并建表; path 为 ":memory:" 时使用内存库
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// 内存库每个连接独立, 限制为单连接
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	s := &Store{db: db, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Allowed 判断设备是否准许挂载. 拒绝时返回原因.
func (s *Store) Allowed(vid, pid uint16, serial string) (bool, string, error) {
	if s == nil || s.db == nil {
		return false, "", ErrClosed
	}
	serial = strings.TrimSpace(serial)
	if s.requireSerial && (serial == "" || strings.Trim(serial, "0") == "") {
		return false, "Unknown or empty serial number", nil
	}

	var reason sql.NullString
	err := s.db.QueryRow(
		`SELECT reason FROM blocklist
		 WHERE vid = ? AND pid = ? AND (serial = ? OR serial = '*')
		 LIMIT 1`,
		hex4(vid), hex4(pid), serial,
	).Scan(&reason)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return true, "", nil
	case err != nil:
		return false, "", fmt.Errorf("query blocklist: %w", err)
	}
	if !reason.Valid || reason.String == "" {
		return false, "Device is in blacklist", nil
	}
	return false, reason.String, nil
}

// Block 加入黑名单. serial 为空表示整个型号.
func (s *Store) Block(vid, pid uint16, serial, reason string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if serial == "" {
		serial = "*"
	}
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO blocklist(vid, pid, serial, reason) VALUES (?, ?, ?, ?)",
		hex4(vid), hex4(pid), serial, reason,
	)
	if err != nil {
		return fmt.Errorf("insert block rule: %w", err)
	}
	s.log.Info("Block rule added",
		zap.String("vid", hex4(vid)), zap.String("pid", hex4(pid)),
		zap.String("serial", serial), zap.String("reason", reason))
	return nil
}

// Unblock 删除规则, 返回是否存在
func (s *Store) Unblock(vid, pid uint16, serial string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	if serial == "" {
		serial = "*"
	}
	res, err := s.db.Exec(
		"DELETE FROM blocklist WHERE vid = ? AND pid = ? AND serial = ?",
		hex4(vid), hex4(pid), serial,
	)
	if err != nil {
		return false, fmt.Errorf("delete block rule: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Rule 一条黑名单记录
type Rule struct {
	VID    string `json:"vid"`
	PID    string `json:"pid"`
	Serial string `json:"serial"`
	Reason string `json:"reason"`
}

func (s *Store) Rules() ([]Rule, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.Query("SELECT vid, pid, serial, COALESCE(reason, '') FROM blocklist ORDER BY vid, pid, serial")
	if err != nil {
		return nil, fmt.Errorf("list block rules: %w", err)
	}
	defer rows.Close()
	var out []Rule
	for rows.Next() {
		var r Rule
		if err := rows.Scan(&r.VID, &r.PID, &r.Serial, &r.Reason); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func hex4(v uint16) string {
	return fmt.Sprintf("%04x", v)
}
