package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// TokenEnv overrides the gateway bearer token file.
const TokenEnv = "GATEWAY_TOKEN"

// TokenSource serves the gateway bearer token. Precedence: the GATEWAY_TOKEN
// env variable, then <root>/.eclia/gateway.token (trimmed). The file is
// watched so a rotated token takes effect without a restart. An empty token
// disables auth.
type TokenSource struct {
	mu      sync.RWMutex
	token   string
	static  bool
	path    string
	watcher *fsnotify.Watcher
	logger  *zap.Logger
}

// NewTokenSource resolves the token and begins watching the token file
// when the env variable is not set.
func NewTokenSource(root string, logger *zap.Logger) *TokenSource {
	s := &TokenSource{
		path:   filepath.Join(root, ".eclia", "gateway.token"),
		logger: logger,
	}
	if env := os.Getenv(TokenEnv); env != "" {
		s.token = strings.TrimSpace(env)
		s.static = true
		return s
	}

	s.reload()
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("Token file watch unavailable", zap.Error(err))
		return s
	}
	// Watch the directory: editors and rotation scripts replace the file,
	// which would drop a watch on the file itself.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		logger.Warn("Token file watch unavailable", zap.String("dir", filepath.Dir(s.path)), zap.Error(err))
		_ = watcher.Close()
		return s
	}
	s.watcher = watcher
	go s.watchLoop()
	return s
}

// Token returns the current bearer token; empty means auth is disabled.
func (s *TokenSource) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Close stops the file watcher.
func (s *TokenSource) Close() {
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
}

func (s *TokenSource) reload() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		s.mu.Lock()
		s.token = ""
		s.mu.Unlock()
		return
	}
	token := strings.TrimSpace(string(data))

	s.mu.Lock()
	changed := token != s.token
	s.token = token
	s.mu.Unlock()

	if changed {
		s.logger.Info("Gateway token reloaded", zap.Bool("auth_enabled", token != ""))
	}
}

func (s *TokenSource) watchLoop() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				s.reload()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("Token file watch error", zap.Error(err))
		}
	}
}
