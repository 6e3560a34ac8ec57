package adapter

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// identPattern restricts database and schema names used in statements that
// cannot be parameterized.
var identPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

func validIdent(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("invalid database identifier %q", name)
	}
	return nil
}

// quotePGIdent double-quotes a Postgres identifier, doubling embedded quotes.
func quotePGIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// quoteMySQLIdent backtick-quotes a MySQL identifier.
func quoteMySQLIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// WithDatabase returns the connection URL pointed at a different database by
// replacing the URL path. Callers handle the per-kind admin conventions.
func WithDatabase(rawURL, database string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse connection url: %w", err)
	}
	if database == "" {
		u.Path = "/"
	} else {
		u.Path = "/" + database
	}
	return u.String(), nil
}

// databaseFromURL extracts the database name from a connection URL path.
func databaseFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Path, "/")
}

// mysqlDSN converts a mysql:// URL into the go-sql-driver DSN form
// user:pass@tcp(host:port)/db with sane defaults applied.
func mysqlDSN(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse mysql url: %w", err)
	}
	if u.Scheme != "mysql" {
		return "", fmt.Errorf("unexpected scheme %q for mysql connection", u.Scheme)
	}

	host := u.Host
	if !strings.Contains(host, ":") {
		host += ":3306"
	}

	var cred string
	if u.User != nil {
		cred = u.User.Username()
		if pass, ok := u.User.Password(); ok {
			cred += ":" + pass
		}
		cred += "@"
	}

	db := strings.TrimPrefix(u.Path, "/")

	params := url.Values{}
	for k, vs := range u.Query() {
		for _, v := range vs {
			params.Add(k, v)
		}
	}
	if params.Get("parseTime") == "" {
		params.Set("parseTime", "true")
	}
	if params.Get("timeout") == "" {
		params.Set("timeout", "10s")
	}

	return fmt.Sprintf("%stcp(%s)/%s?%s", cred, host, db, params.Encode()), nil
}
