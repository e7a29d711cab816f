package blueprint

import (
	"bytes"
	"html/template"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/pkg/errors"
)

var ErrTemplateNotFound = errors.New("template not found")

type templateEntry struct {
	tmpl   *template.Template
	source string
}

// Template resolves name against the app template tree first, then against
// every blueprint template folder in registration order. Parsed templates are
// cached per name.
func (a *App) Template(name string) (*template.Template, error) {
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	if name == "" {
		return nil, errors.Wrap(ErrTemplateNotFound, "empty name")
	}

	a.tmplMu.Lock()
	defer a.tmplMu.Unlock()
	if e, ok := a.tmplCache[name]; ok {
		return e.tmpl, nil
	}

	fsys, full, source, ok := a.lookupTemplate(name)
	if !ok {
		return nil, errors.Wrapf(ErrTemplateNotFound, "%q", name)
	}
	tmpl, err := template.New(path.Base(full)).Funcs(a.templateFuncs()).ParseFS(fsys, full)
	if err != nil {
		return nil, errors.Wrapf(err, "parse template %q from %s", name, source)
	}
	a.tmplCache[name] = &templateEntry{tmpl: tmpl, source: source}
	a.logger.Debug().Str("template", name).Str("source", source).Msg("loaded template")
	return tmpl, nil
}

// Render executes a template into w. Nothing is written when execution fails.
func (a *App) Render(w http.ResponseWriter, status int, name string, data any) error {
	tmpl, err := a.Template(name)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return errors.Wrapf(err, "render template %q", name)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if status > 0 {
		w.WriteHeader(status)
	}
	_, err = w.Write(buf.Bytes())
	return err
}

func (a *App) lookupTemplate(name string) (fs.FS, string, string, bool) {
	if a.templates != nil {
		if isFile(a.templates, name) {
			return a.templates, name, "app", true
		}
	}
	for _, reg := range a.snapshot() {
		bp := reg.bp
		if bp.TemplateFolder() == "" || bp.Root() == nil {
			continue
		}
		full := path.Join(bp.TemplateFolder(), name)
		if isFile(bp.Root(), full) {
			return bp.Root(), full, "blueprint:" + bp.Name(), true
		}
	}
	return nil, "", "", false
}

func (a *App) templateFuncs() template.FuncMap {
	return template.FuncMap{
		"static":     a.StaticURL,
		"url_prefix": a.URLPrefix,
	}
}

func isFile(fsys fs.FS, name string) bool {
	st, err := fs.Stat(fsys, name)
	return err == nil && !st.IsDir()
}
