package auth

import (
	"os"
	"path/filepath"

	"github.com/pg-pooling/bouncerop/pkg/boplog"
)

// Userlist persists the rendered credential file. Overwrites are
// write-temp-then-rename so the pooler never reads a torn file.
type Userlist struct {
	path string
}

func NewUserlist(path string) *Userlist {
	return &Userlist{path: path}
}

func (u *Userlist) Path() string {
	return u.path
}

func (u *Userlist) Write(content string) error {
	if err := os.MkdirAll(filepath.Dir(u.path), 0o755); err != nil {
		return err
	}
	tmpPath := u.path + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(content), 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, u.path); err != nil {
		return err
	}
	boplog.Zero.Debug().Str("path", u.path).Msg("auth: userlist rendered")
	return nil
}

func (u *Userlist) Delete() error {
	if err := os.Remove(u.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
