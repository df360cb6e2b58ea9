package series

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/loykin/pavr/internal/config"
	"github.com/loykin/pavr/internal/dirdb"
)

// UsersDir holds one small record per user under the working directory.
const UsersDir = "users"

// ErrNoLastSeries is returned when the user has not started a series yet.
var ErrNoLastSeries = errors.New("no last series recorded for this user")

type userRecord struct {
	Series string `json:"series"`
}

func login() string {
	name := ""
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	if name == "" {
		name = os.Getenv("USER")
	}
	if name == "" {
		name = "unknown"
	}
	// Windows accounts look like DOMAIN\user.
	if i := strings.LastIndexAny(name, `\/`); i >= 0 {
		name = name[i+1:]
	}
	return name
}

func userFile(cfg *config.Config) string {
	return cfg.Path(UsersDir, login()+".json")
}

// SaveUserSeries records sid as the current user's most recent series.
func SaveUserSeries(cfg *config.Config, sid string) error {
	if _, err := SIDToID(sid); err != nil {
		return err
	}
	b, err := json.Marshal(userRecord{Series: sid})
	if err != nil {
		return err
	}
	return dirdb.WriteFileAtomic(userFile(cfg), b, 0o640)
}

// LoadUserSeries returns the current user's most recent series id.
func LoadUserSeries(cfg *config.Config) (string, error) {
	p := userFile(cfg)
	// #nosec G304 -- path is inside the working directory
	b, err := os.ReadFile(filepath.Clean(p))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoLastSeries
		}
		return "", err
	}
	var rec userRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return "", fmt.Errorf("bad last series record %s: %w", p, err)
	}
	if _, err := SIDToID(rec.Series); err != nil {
		return "", err
	}
	return rec.Series, nil
}
