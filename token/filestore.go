package token

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/Laisky/errors/v2"
)

// CachedToken is the on-disk token cache record, one JSON file per
// account under the cache directory.
type CachedToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

// FileStore persists tokens to <dir>/<account-id>.json with mode 0600.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) path(accountId string) string {
	return filepath.Join(s.dir, accountId+".json")
}

func (s *FileStore) Save(accountId string, tok CachedToken) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return errors.Wrap(err, "create token cache dir")
	}
	b, err := json.Marshal(tok)
	if err != nil {
		return errors.Wrap(err, "marshal cached token")
	}
	// write-then-rename keeps readers from observing a partial file
	tmp := s.path(accountId) + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return errors.Wrap(err, "write token cache file")
	}
	return errors.Wrap(os.Rename(tmp, s.path(accountId)), "rename token cache file")
}

func (s *FileStore) Load(accountId string) (CachedToken, error) {
	var tok CachedToken
	b, err := os.ReadFile(s.path(accountId))
	if err != nil {
		return tok, errors.Wrapf(err, "read token cache for account %s", accountId)
	}
	if err := json.Unmarshal(b, &tok); err != nil {
		return tok, errors.Wrapf(err, "parse token cache for account %s", accountId)
	}
	return tok, nil
}

func (s *FileStore) Delete(accountId string) error {
	err := os.Remove(s.path(accountId))
	if os.IsNotExist(err) {
		return nil
	}
	return errors.Wrapf(err, "delete token cache for account %s", accountId)
}
