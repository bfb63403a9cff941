// Package userstore 维护站点的家庭共享会员名单：一个以邮箱为主键的 JSON 数组文件。
package userstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrInvalidEmail 表示邮箱为空或不含 "@"。
var ErrInvalidEmail = errors.New("invalid email address")

const (
	fieldEmail     = "email"
	fieldAccess    = "familyAccess"
	fieldGrantedAt = "familyAccessGrantedAt"
)

// isoMillis 与浏览器 Date.toISOString 的输出一致。
const isoMillis = "2006-01-02T15:04:05.000Z"

// Access 是单个邮箱的家庭共享状态。GrantedAt 是文件中保存的原始字符串，未授予时为空。
type Access struct {
	Email     string `json:"-"`
	HasAccess bool   `json:"hasAccess"`
	GrantedAt string `json:"grantedAt"`
}

// Store 以读-改-写方式维护名单文件，写入通过临时文件 + rename 保证原子。
// 记录中的未知字段会原样保留。
type Store struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// New 返回绑定到 path 的 Store，文件不存在时视为空名单。
func New(path string) *Store {
	return &Store{path: path, now: time.Now}
}

// Path 返回名单文件路径。
func (s *Store) Path() string {
	return s.path
}

// Lookup 查询邮箱的共享状态，未登记的邮箱返回 HasAccess=false。
func (s *Store) Lookup(ctx context.Context, email string) (Access, error) {
	normalized, err := normalizeEmail(email)
	if err != nil {
		return Access{}, err
	}
	if err := ctx.Err(); err != nil {
		return Access{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.read()
	if err != nil {
		return Access{}, err
	}
	if idx := find(users, normalized); idx >= 0 {
		return accessOf(normalized, users[idx]), nil
	}
	return Access{Email: normalized}, nil
}

// Grant 为邮箱开通家庭共享并持久化；已开通的记录保留首次授予时间。
func (s *Store) Grant(ctx context.Context, email string) (Access, error) {
	normalized, err := normalizeEmail(email)
	if err != nil {
		return Access{}, err
	}
	if err := ctx.Err(); err != nil {
		return Access{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.read()
	if err != nil {
		return Access{}, err
	}

	idx := find(users, normalized)
	if idx < 0 {
		users = append(users, map[string]any{fieldEmail: normalized})
		idx = len(users) - 1
	}
	user := users[idx]
	if current := accessOf(normalized, user); current.HasAccess && current.GrantedAt != "" {
		return current, nil
	}
	user[fieldAccess] = true
	user[fieldGrantedAt] = s.now().UTC().Format(isoMillis)

	if err := s.write(users); err != nil {
		return Access{}, err
	}
	return accessOf(normalized, user), nil
}

func (s *Store) read() ([]map[string]any, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read users: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var users []map[string]any
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}
	return users, nil
}

func (s *Store) write(users []map[string]any) error {
	data, err := json.MarshalIndent(users, "", "  ")
	if err != nil {
		return fmt.Errorf("encode users: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".users-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return "", ErrInvalidEmail
	}
	return email, nil
}

func find(users []map[string]any, email string) int {
	for i, user := range users {
		if raw, ok := user[fieldEmail].(string); ok && strings.EqualFold(strings.TrimSpace(raw), email) {
			return i
		}
	}
	return -1
}

func accessOf(email string, user map[string]any) Access {
	access := Access{Email: email}
	if granted, ok := user[fieldAccess].(bool); ok {
		access.HasAccess = granted
	}
	if raw, ok := user[fieldGrantedAt].(string); ok {
		access.GrantedAt = raw
	}
	return access
}
