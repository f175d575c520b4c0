package database

import (
	"fmt"
	"net/url"

	"github.com/rickgao/parambind/internal/config"
)

// BuildConnString builds a PostgreSQL connection string from config.
// An empty password is left out so pgpass or trust authentication applies.
func BuildConnString(cfg config.DBConfig) string {
	user := url.User(cfg.User)
	if cfg.Password != "" {
		user = url.UserPassword(cfg.User, cfg.Password)
	}

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = config.DefaultDBSSLMode
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     user,
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     "/" + cfg.Name,
		RawQuery: url.Values{"sslmode": {sslMode}, "application_name": {"parambind"}}.Encode(),
	}
	return u.String()
}
