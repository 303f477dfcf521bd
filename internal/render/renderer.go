package render

import (
	"errors"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/Masterminds/sprig/v3"
	"github.com/rs/zerolog"
)

// ErrTemplateNotFound is returned when no template file exists for the
// requested id.
var ErrTemplateNotFound = errors.New("template not found")

// Renderer turns a template id plus a context map into an HTML body.
// Templates live as <dir>/<id>.html files and are parsed per render so edits
// on disk take effect without a restart. The sprig function map is available
// inside templates.
type Renderer struct {
	dir    string
	logger zerolog.Logger
}

// New validates the templates directory and constructs a renderer.
func New(dir string, logger zerolog.Logger) (*Renderer, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("renderer: templates directory is required")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("renderer: templates directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("renderer: %s is not a directory", dir)
	}

	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	return &Renderer{
		dir:    dir,
		logger: logger.With().Str("component", "renderer").Logger(),
	}, nil
}

// Render executes the template identified by id against data and returns the
// resulting HTML. A missing template yields ErrTemplateNotFound; ids that
// attempt to escape the templates directory are rejected.
func (r *Renderer) Render(id string, data map[string]any) (string, error) {
	name, err := templateFileName(id)
	if err != nil {
		return "", err
	}

	path := filepath.Join(r.dir, name)
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
		}
		return "", fmt.Errorf("renderer: read template %s: %w", id, err)
	}

	tmpl, err := template.New(name).Funcs(sprig.HtmlFuncMap()).Parse(string(raw))
	if err != nil {
		return "", fmt.Errorf("renderer: parse template %s: %w", id, err)
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("renderer: execute template %s: %w", id, err)
	}
	return b.String(), nil
}

// templateFileName maps a template id to its on-disk filename, rejecting
// anything that could traverse outside the templates directory.
func templateFileName(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("renderer: template id is required")
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", fmt.Errorf("renderer: invalid template id %q", id)
	}
	if !strings.HasSuffix(id, ".html") {
		id += ".html"
	}
	return id, nil
}
