package render

import (
	"fmt"
	"strings"
)

// Paths the rendered files are mounted at inside the workload container.
const (
	KeystoneConfPath = "/etc/keystone/keystone.conf"
	DatabaseConfPath = "/etc/keystone/keystone-db.conf"
	LoggingConfPath  = "/etc/keystone/logging.conf"
	WSGIConfPath     = "/etc/apache2/sites-available/wsgi-keystone.conf"
)

// ValidLogLevels are the accepted values for the keystone log level.
var ValidLogLevels = []string{"DEBUG", "INFO", "WARNING", "ERROR"}

// KeystoneContext feeds the main service configuration template. The
// domain and project identifiers are empty until keystone has been
// bootstrapped; the template skips the sections that need them.
type KeystoneContext struct {
	APIVersion          int
	AdminRole           string
	ServiceProjectID    string
	AdminDomainName     string
	AdminDomainID       string
	DefaultDomainID     string
	AdminPort           int32
	PublicPort          int32
	Debug               bool
	TokenExpiration     int32
	FernetMaxActiveKeys int32
	PublicEndpoint      string
	AdminEndpoint       string
	IdentityBackend     string
	TokenProvider       string
	DomainConfigDir     string
	LogConfig           string
	PasteConfigFile     string
}

// DefaultKeystoneContext returns a context with the fixed deployment
// values filled in.
func DefaultKeystoneContext() KeystoneContext {
	return KeystoneContext{
		APIVersion:      3,
		IdentityBackend: "sql",
		TokenProvider:   "fernet",
		DomainConfigDir: "/etc/keystone/domains",
		LogConfig:       LoggingConfPath,
		PasteConfigFile: "/etc/keystone/keystone-paste.ini",
	}
}

// TrimEndpointVersion strips a trailing /v3 from an endpoint URL, keeping
// the trailing slash. Keystone appends the version to public_endpoint
// itself.
func TrimEndpointVersion(url string) string {
	if strings.HasSuffix(url, "/v3") {
		return strings.TrimSuffix(url, "v3")
	}
	return url
}

// DatabaseContext feeds the database configuration template.
type DatabaseContext struct {
	Type     string
	Database string
	Username string
	Password string
	Host     string
	Port     string
}

// NewDatabaseContext builds a mysql database context from delivered
// credentials.
func NewDatabaseContext(database, username, password, host, port string) DatabaseContext {
	return DatabaseContext{
		Type:     "mysql+pymysql",
		Database: database,
		Username: username,
		Password: password,
		Host:     host,
		Port:     port,
	}
}

// Missing returns the names of required fields that are empty. A non-empty
// result means the database credentials have not been fully delivered yet.
func (c DatabaseContext) Missing() []string {
	var missing []string
	for _, field := range []struct {
		name  string
		value string
	}{
		{"database", c.Database},
		{"username", c.Username},
		{"password", c.Password},
		{"host", c.Host},
	} {
		if field.value == "" {
			missing = append(missing, field.name)
		}
	}
	return missing
}

// ConnectionURL renders the SQLAlchemy connection string.
func (c DatabaseContext) ConnectionURL() string {
	host := c.Host
	if c.Port != "" {
		host = fmt.Sprintf("%s:%s", c.Host, c.Port)
	}
	return fmt.Sprintf("%s://%s:%s@%s/%s", c.Type, c.Username, c.Password, host, c.Database)
}

// LoggingContext feeds the logging configuration template.
type LoggingContext struct {
	// RootLevel overrides the root logger level; empty keeps WARNING
	RootLevel string
	Level     string
	File      string
}

// NewLoggingContext validates the configured level and returns the
// context. Debug raises the root logger to DEBUG.
func NewLoggingContext(level string, debug bool) (LoggingContext, error) {
	valid := false
	for _, l := range ValidLogLevels {
		if level == l {
			valid = true
			break
		}
	}
	if !valid {
		return LoggingContext{}, fmt.Errorf("log level must be one of %s, not %q",
			strings.Join(ValidLogLevels, ", "), level)
	}
	ctx := LoggingContext{
		Level: level,
		File:  "/var/log/keystone/keystone.log",
	}
	if debug {
		ctx.RootLevel = "DEBUG"
	}
	return ctx, nil
}

// WSGIContext feeds the apache site configuration template.
type WSGIContext struct {
	Name         string
	AdminScript  string
	PublicScript string
	AdminPort    int32
	PublicPort   int32
}

// NewWSGIContext returns the apache context for the given ports.
func NewWSGIContext(publicPort, adminPort int32) WSGIContext {
	return WSGIContext{
		Name:         "keystone",
		AdminScript:  "/usr/bin/keystone-wsgi-admin",
		PublicScript: "/usr/bin/keystone-wsgi-public",
		AdminPort:    adminPort,
		PublicPort:   publicPort,
	}
}
