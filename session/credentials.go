package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ChatConnector is the chat process side of a credential refresh
type ChatConnector interface {
	// UpdateCredential installs a fresh cookie for the account
	UpdateCredential(ctx context.Context, accountID, cookie string) error
	// Reconnect re-establishes the chat connection with the installed cookie
	Reconnect(ctx context.Context, accountID string) error
}

// FileCredentialSink hands cookies to a chat process through the
// filesystem. The cookie file is replaced atomically and readable by the
// owner only; a reconnect request touches a marker file next to it.
type FileCredentialSink struct {
	path   string
	logger *slog.Logger
	now    func() time.Time
}

var _ ChatConnector = (*FileCredentialSink)(nil)

// FileSinkOption configures the FileCredentialSink
type FileSinkOption func(*FileCredentialSink)

// WithFileSinkLogger sets the logger
func WithFileSinkLogger(logger *slog.Logger) FileSinkOption {
	return func(s *FileCredentialSink) {
		s.logger = logger
	}
}

// NewFileCredentialSink writes cookies to path
func NewFileCredentialSink(path string, options ...FileSinkOption) *FileCredentialSink {
	s := &FileCredentialSink{
		path:   path,
		logger: slog.Default(),
		now:    time.Now,
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Path returns the cookie file path
func (s *FileCredentialSink) Path() string {
	return s.path
}

// ReconnectPath returns the marker file touched by Reconnect
func (s *FileCredentialSink) ReconnectPath() string {
	return s.path + ".reconnect"
}

// UpdateCredential implements ChatConnector
func (s *FileCredentialSink) UpdateCredential(ctx context.Context, accountID, cookie string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := writeFileAtomic(s.path, []byte(cookie+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to store cookie for %s: %w", accountID, err)
	}
	s.logger.Info("stored refreshed cookie", "accountId", accountID, "path", s.path)
	return nil
}

// Reconnect implements ChatConnector
func (s *FileCredentialSink) Reconnect(ctx context.Context, accountID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stamp := s.now().UTC().Format(time.RFC3339Nano) + " " + accountID + "\n"
	if err := writeFileAtomic(s.ReconnectPath(), []byte(stamp), 0o600); err != nil {
		return fmt.Errorf("failed to request reconnect for %s: %w", accountID, err)
	}
	s.logger.Info("requested chat reconnect", "accountId", accountID, "marker", s.ReconnectPath())
	return nil
}

// Cookie reads back the stored cookie
func (s *FileCredentialSink) Cookie() (string, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// writeFileAtomic replaces path so readers see either the old or the new
// content, never a partial write
func writeFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	if err = tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
