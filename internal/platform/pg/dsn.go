package pg

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidateDSN проверяет, что DSN имеет URL-формат postgres://.
// golang-migrate принимает только URL, поэтому key=value строки не подходят.
func ValidateDSN(dsn string) error {
	if strings.TrimSpace(dsn) == "" {
		return fmt.Errorf("dsn is empty")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return fmt.Errorf("invalid DSN format: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return fmt.Errorf("unsupported scheme: %q", u.Scheme)
	}
	if u.Hostname() == "" && u.Query().Get("host") == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

// Redact возвращает DSN с замаскированным паролем для логов и ошибок.
func Redact(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return "<invalid dsn>"
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	q := u.Query()
	if q.Has("password") {
		q.Set("password", "xxxxx")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
