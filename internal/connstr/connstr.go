// SPDX-License-Identifier: Apache-2.0

package connstr

import (
	"fmt"
	"net/url"
	"regexp"
)

// TLS holds the subset of connection options that control TLS negotiation.
type TLS struct {
	SSLMode     string
	SSLRootCert string
	SSLCert     string
	SSLKey      string
}

// AppendTLSOptions takes a Postgres connection string in URL format and adds
// the sslmode/sslrootcert/sslcert/sslkey query parameters from t. Fields left
// empty are not added, leaving any value already present in connStr intact.
func AppendTLSOptions(connStr string, t TLS) (string, error) {
	u, err := url.Parse(connStr)
	if err != nil {
		// url.Error embeds the full input string it failed to parse, so the
		// raw connStr (credentials and all) must never reach this error.
		return "", fmt.Errorf("failed to parse connection string %q", Sanitize(connStr))
	}

	q := u.Query()
	if t.SSLMode != "" {
		q.Set("sslmode", t.SSLMode)
	}
	if t.SSLRootCert != "" {
		q.Set("sslrootcert", t.SSLRootCert)
	}
	if t.SSLCert != "" {
		q.Set("sslcert", t.SSLCert)
	}
	if t.SSLKey != "" {
		q.Set("sslkey", t.SSLKey)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// ExtractTLSOptions reads whichever of sslmode/sslrootcert/sslcert/sslkey
// are already present as query parameters on a URL-form connection string.
// Used to implement the "connection string beats environment beats config
// file" precedence rule: a TLS option spelled out in the connection string
// itself is authoritative and must not be overwritten by a lower-precedence
// source.
func ExtractTLSOptions(connStr string) TLS {
	u, err := url.Parse(connStr)
	if err != nil {
		return TLS{}
	}
	q := u.Query()
	return TLS{
		SSLMode:     q.Get("sslmode"),
		SSLRootCert: q.Get("sslrootcert"),
		SSLCert:     q.Get("sslcert"),
		SSLKey:      q.Get("sslkey"),
	}
}

var passwordParamRegexp = regexp.MustCompile(`(?i)password=[^&\s]+`)

// userinfoRegexp matches a scheme://user:password@ prefix wherever it
// appears, not only when it is the whole string, so a connection string
// embedded inside a larger driver or parse error still gets its password
// redacted.
var userinfoRegexp = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*://[^:/?#\s]+):[^@\s/]+@`)

// Sanitize redacts the password query parameter and any userinfo password
// found in connStr, so it is safe to include in an error message. connStr
// need not be a well-formed connection string on its own: Sanitize is also
// used on free-form error text that may embed one, so both the
// full-string URL case and the embedded-substring case are handled.
func Sanitize(connStr string) string {
	if u, err := url.Parse(connStr); err == nil && u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
		connStr = u.String()
	}

	connStr = userinfoRegexp.ReplaceAllString(connStr, "$1:xxxxx@")
	return passwordParamRegexp.ReplaceAllString(connStr, "password=xxxxx")
}
