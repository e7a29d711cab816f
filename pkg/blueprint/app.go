package blueprint

import (
	"io/fs"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidName      = errors.New("invalid blueprint name")
	ErrDuplicateName    = errors.New("blueprint name already registered")
	ErrMissingFolder    = errors.New("blueprint folder not found")
	ErrStaticPathInUse  = errors.New("static url path already in use")
	ErrUnknownBlueprint = errors.New("unknown blueprint")
)

// App is the host that blueprints are registered with. It owns the chi router
// and resolves templates across the app and every registered blueprint.
type App struct {
	router    chi.Router
	templates fs.FS
	logger    zerolog.Logger

	mu            sync.RWMutex
	registrations []*registration
	byName        map[string]*registration
	staticPaths   map[string]string

	tmplMu    sync.Mutex
	tmplCache map[string]*templateEntry
}

type registration struct {
	bp        *Blueprint
	urlPrefix string
	staticURL string
}

type AppOption func(*App)

// WithTemplates sets the app-level template tree. It is searched before any
// blueprint template folder.
func WithTemplates(root fs.FS) AppOption {
	return func(a *App) { a.templates = root }
}

// WithMiddleware installs router middleware. It applies to every route,
// including routes registered later.
func WithMiddleware(mw ...func(http.Handler) http.Handler) AppOption {
	return func(a *App) { a.router.Use(mw...) }
}

func WithLogger(logger zerolog.Logger) AppOption {
	return func(a *App) { a.logger = logger }
}

func NewApp(opts ...AppOption) *App {
	a := &App{
		router:      chi.NewRouter(),
		logger:      log.With().Str("component", "blueprint").Logger(),
		byName:      map[string]*registration{},
		staticPaths: map[string]string{},
		tmplCache:   map[string]*templateEntry{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

type registerOptions struct {
	urlPrefix *string
}

type RegisterOption func(*registerOptions)

// MountAt overrides the blueprint's URL prefix for this registration.
func MountAt(prefix string) RegisterOption {
	return func(o *registerOptions) {
		p := cleanURLPath(prefix)
		o.urlPrefix = &p
	}
}

// Register validates bp against the host and mounts its static handler and
// routes. A blueprint name can be registered once per App.
func (a *App) Register(bp *Blueprint, opts ...RegisterOption) error {
	if bp == nil {
		return errors.New("blueprint is nil")
	}
	name := bp.Name()
	if strings.TrimSpace(name) == "" || strings.Contains(name, ".") {
		return errors.Wrapf(ErrInvalidName, "%q", name)
	}
	ro := registerOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&ro)
		}
	}
	urlPrefix := bp.URLPrefix()
	if ro.urlPrefix != nil {
		urlPrefix = *ro.urlPrefix
	}

	if err := checkFolder(bp, bp.TemplateFolder(), "template"); err != nil {
		return err
	}
	if err := checkFolder(bp, bp.StaticFolder(), "static"); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.byName[name]; ok {
		return errors.Wrapf(ErrDuplicateName, "%q", name)
	}
	staticURL := bp.staticURLPathUnder(urlPrefix)
	if bp.HasStaticFolder() {
		if owner, ok := a.staticPaths[staticURL]; ok {
			return errors.Wrapf(ErrStaticPathInUse, "%s (owned by %q)", staticURL, owner)
		}
	}

	reg := &registration{bp: bp, urlPrefix: urlPrefix, staticURL: staticURL}
	if bp.HasStaticFolder() {
		static, err := fs.Sub(bp.Root(), bp.StaticFolder())
		if err != nil {
			return errors.Wrapf(err, "blueprint %q: static folder", name)
		}
		a.router.Handle(staticURL+"/*", http.StripPrefix(staticURL, staticHandler(static)))
		a.staticPaths[staticURL] = name
	}

	hasIndex := false
	for _, rt := range bp.seal() {
		full := joinURL(urlPrefix, rt.pattern)
		if rt.method == "" {
			a.router.Handle(full, rt.handler)
		} else {
			a.router.Method(rt.method, full, rt.handler)
		}
		if rt.pattern == "/" {
			hasIndex = true
		}
	}
	if hasIndex && urlPrefix != "" {
		target := urlPrefix + "/"
		a.router.Get(urlPrefix, func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, target, http.StatusPermanentRedirect)
		})
	}

	a.registrations = append(a.registrations, reg)
	a.byName[name] = reg
	a.logger.Info().
		Str("blueprint", name).
		Str("import_name", bp.ImportName()).
		Str("url_prefix", urlPrefix).
		Str("static_url_path", staticURL).
		Msg("registered blueprint")
	return nil
}

// Handler is the root http.Handler of the host.
func (a *App) Handler() http.Handler { return a.router }

// Router exposes the chi router for app-owned routes.
func (a *App) Router() chi.Router { return a.router }

// Blueprint returns the registered blueprint with the given name.
func (a *App) Blueprint(name string) (*Blueprint, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	reg, ok := a.byName[name]
	if !ok {
		return nil, false
	}
	return reg.bp, true
}

// Blueprints lists registered blueprints in registration order.
func (a *App) Blueprints() []*Blueprint {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*Blueprint, 0, len(a.registrations))
	for _, reg := range a.registrations {
		out = append(out, reg.bp)
	}
	return out
}

// URLPrefix returns the prefix a blueprint's routes were mounted under.
func (a *App) URLPrefix(name string) (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	reg, ok := a.byName[name]
	if !ok {
		return "", errors.Wrapf(ErrUnknownBlueprint, "%q", name)
	}
	return reg.urlPrefix, nil
}

// StaticURL builds the public URL of a blueprint asset.
func (a *App) StaticURL(name, file string) (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	reg, ok := a.byName[name]
	if !ok {
		return "", errors.Wrapf(ErrUnknownBlueprint, "%q", name)
	}
	if !reg.bp.HasStaticFolder() {
		return "", errors.Errorf("blueprint %q has no static folder", name)
	}
	return reg.staticURL + "/" + strings.TrimPrefix(path.Clean("/"+file), "/"), nil
}

func (a *App) snapshot() []*registration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*registration, len(a.registrations))
	copy(out, a.registrations)
	return out
}

func checkFolder(bp *Blueprint, dir, kind string) error {
	if dir == "" {
		return nil
	}
	if bp.Root() == nil {
		return errors.Wrapf(ErrMissingFolder, "blueprint %q: %s folder %q: no root", bp.Name(), kind, dir)
	}
	st, err := fs.Stat(bp.Root(), dir)
	if err != nil || !st.IsDir() {
		return errors.Wrapf(ErrMissingFolder, "blueprint %q: %s folder %q", bp.Name(), kind, dir)
	}
	return nil
}

// staticHandler serves regular files only; directories and unknown paths are 404.
func staticHandler(root fs.FS) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
		if name == "" {
			http.NotFound(w, r)
			return
		}
		st, err := fs.Stat(root, name)
		if err != nil || st.IsDir() {
			http.NotFound(w, r)
			return
		}
		http.ServeFileFS(w, r, root, name)
	})
}

func joinURL(prefix, pattern string) string {
	if prefix == "" {
		return pattern
	}
	return prefix + pattern
}
