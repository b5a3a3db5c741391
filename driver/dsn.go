package driver

import (
	"strings"

	"github.com/tomyedwab/fbdriver/dberrors"
)

// DSNParams are the parts a connection string is built from. DSN is a
// complete connection string and excludes Database and Host.
type DSNParams struct {
	DSN      string
	Host     string
	Port     string
	Database string
	Protocol string
}

// BuildDSN returns the connection string for p:
//
//	protocol://host[:port]/database   when Protocol is set
//	\\host[@port]\database            when Host is a named pipe host
//	host/port:database
//	host:database
//	database
func BuildDSN(p DSNParams) (string, error) {
	switch {
	case p.DSN != "" && p.Database != "":
		return "", dberrors.Interface("Parameter 'database' conflicts with 'dsn'")
	case p.Host != "" && p.Database == "":
		return "", dberrors.Interface("You can't specify 'host' without 'database'")
	case p.DSN != "":
		return p.DSN, nil
	case p.Database == "":
		return "", dberrors.Interface("Required parameter 'database' or 'dsn' not specified")
	}

	var b strings.Builder
	switch {
	case p.Protocol != "":
		b.WriteString(strings.ToLower(p.Protocol))
		b.WriteString("://")
		if p.Host != "" {
			b.WriteString(p.Host)
			if p.Port != "" {
				b.WriteString(":" + p.Port)
			}
			b.WriteString("/")
		}
	case strings.HasPrefix(p.Host, `\\`):
		b.WriteString(p.Host)
		if p.Port != "" {
			b.WriteString("@" + p.Port)
		}
		b.WriteString(`\`)
	case p.Host != "" && p.Port != "":
		b.WriteString(p.Host + "/" + p.Port + ":")
	case p.Host != "":
		b.WriteString(p.Host + ":")
	}
	b.WriteString(p.Database)
	return b.String(), nil
}
