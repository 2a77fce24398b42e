// Package render produces the keystone configuration file set from typed
// template contexts. The rendered files are shipped to the workload
// container through a ConfigMap keyed by file basename.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"path"
	"text/template"
)

//go:embed templates
var templates embed.FS

// ConfigMap keys for the rendered files.
const (
	KeystoneConfKey = "keystone.conf"
	DatabaseConfKey = "keystone-db.conf"
	LoggingConfKey  = "logging.conf"
	WSGIConfKey     = "wsgi-keystone.conf"
)

// Config bundles the contexts for a full render.
type Config struct {
	Keystone KeystoneContext
	Database DatabaseContext
	Logging  LoggingContext
	WSGI     WSGIContext
}

// Files renders every configuration file and returns them keyed by
// basename.
func Files(cfg Config) (map[string]string, error) {
	files := map[string]interface{}{
		KeystoneConfKey: cfg.Keystone,
		DatabaseConfKey: cfg.Database,
		LoggingConfKey:  cfg.Logging,
		WSGIConfKey:     cfg.WSGI,
	}

	rendered := make(map[string]string, len(files))
	for name, ctx := range files {
		out, err := File(name, ctx)
		if err != nil {
			return nil, err
		}
		rendered[name] = out
	}
	return rendered, nil
}

// File renders a single configuration file from its context.
func File(name string, ctx interface{}) (string, error) {
	tmpl, err := template.New(name + ".tmpl").ParseFS(templates, path.Join("templates", name+".tmpl"))
	if err != nil {
		return "", fmt.Errorf("failed to parse template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", name, err)
	}
	return buf.String(), nil
}
