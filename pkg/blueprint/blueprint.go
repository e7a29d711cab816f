package blueprint

import (
	"fmt"
	"io/fs"
	"net/http"
	"path"
	"strings"
	"sync"
)

// Blueprint describes a feature area to a host App: its routes, where its
// templates and static assets live, and the public URL its assets are served at.
//
// The descriptor fields are fixed at construction. Routes may only be added
// until the blueprint is registered.
type Blueprint struct {
	name           string
	importName     string
	root           fs.FS
	templateFolder string
	staticFolder   string
	staticURLPath  string
	urlPrefix      string

	mu         sync.Mutex
	routes     []route
	registered bool
}

type route struct {
	method  string
	pattern string
	handler http.Handler
}

// knownMethods are the methods chi routes without chi.RegisterMethod.
var knownMethods = map[string]bool{
	http.MethodConnect: true,
	http.MethodDelete:  true,
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodPatch:   true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodTrace:   true,
}

type Option func(*Blueprint)

// WithTemplateFolder sets the template directory, relative to the blueprint root.
func WithTemplateFolder(dir string) Option {
	return func(b *Blueprint) { b.templateFolder = cleanFolder(dir) }
}

// WithStaticFolder sets the static asset directory, relative to the blueprint root.
func WithStaticFolder(dir string) Option {
	return func(b *Blueprint) { b.staticFolder = cleanFolder(dir) }
}

// WithStaticURLPath sets the absolute public prefix for static assets.
func WithStaticURLPath(p string) Option {
	return func(b *Blueprint) { b.staticURLPath = cleanURLPath(p) }
}

// WithURLPrefix sets the default prefix for the blueprint routes.
func WithURLPrefix(p string) Option {
	return func(b *Blueprint) { b.urlPrefix = cleanURLPath(p) }
}

// New builds a descriptor. importName names the owning package and root is the
// file tree template and static folders are resolved against, usually an embed.FS
// declared in that package. No validation happens here; App.Register checks
// the descriptor against the host.
func New(name, importName string, root fs.FS, opts ...Option) *Blueprint {
	b := &Blueprint{
		name:       name,
		importName: importName,
		root:       root,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *Blueprint) Name() string           { return b.name }
func (b *Blueprint) ImportName() string     { return b.importName }
func (b *Blueprint) Root() fs.FS            { return b.root }
func (b *Blueprint) TemplateFolder() string { return b.templateFolder }
func (b *Blueprint) StaticFolder() string   { return b.staticFolder }
func (b *Blueprint) URLPrefix() string      { return b.urlPrefix }

// StaticURLPath is the public prefix for static assets. Without an explicit
// value it is the static folder's base name under the URL prefix; without a
// static folder it is empty.
func (b *Blueprint) StaticURLPath() string {
	return b.staticURLPathUnder(b.urlPrefix)
}

// staticURLPathUnder resolves the static prefix for a blueprint mounted at prefix.
func (b *Blueprint) staticURLPathUnder(prefix string) string {
	if b.staticURLPath != "" {
		return b.staticURLPath
	}
	if b.staticFolder == "" {
		return ""
	}
	return prefix + "/" + path.Base(b.staticFolder)
}

// HasStaticFolder reports whether the blueprint serves static assets.
func (b *Blueprint) HasStaticFolder() bool { return b.staticFolder != "" }

// Handle records a route relative to the URL prefix. An empty method matches any.
// It panics on an unknown method or once the blueprint has been registered, like
// http.ServeMux does on a bad pattern.
func (b *Blueprint) Handle(method, pattern string, h http.Handler) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method != "" && !knownMethods[method] {
		panic(fmt.Sprintf("blueprint %q: unsupported method %q for %s", b.name, method, pattern))
	}
	if h == nil {
		panic(fmt.Sprintf("blueprint %q: nil handler for %s", b.name, pattern))
	}
	if !strings.HasPrefix(pattern, "/") {
		panic(fmt.Sprintf("blueprint %q: pattern %q must start with /", b.name, pattern))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.registered {
		panic(fmt.Sprintf("blueprint %q: route %s %s added after registration", b.name, method, pattern))
	}
	b.routes = append(b.routes, route{method: method, pattern: pattern, handler: h})
}

func (b *Blueprint) HandleFunc(method, pattern string, h http.HandlerFunc) {
	b.Handle(method, pattern, h)
}

func (b *Blueprint) Get(pattern string, h http.HandlerFunc)  { b.Handle(http.MethodGet, pattern, h) }
func (b *Blueprint) Post(pattern string, h http.HandlerFunc) { b.Handle(http.MethodPost, pattern, h) }

// Registered reports whether a host has accepted the blueprint.
func (b *Blueprint) Registered() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registered
}

// seal marks the blueprint registered and returns its routes.
func (b *Blueprint) seal() []route {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registered = true
	out := make([]route, len(b.routes))
	copy(out, b.routes)
	return out
}

func cleanFolder(dir string) string {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return ""
	}
	return path.Clean(strings.TrimPrefix(dir, "/"))
}

func cleanURLPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "/" {
		return ""
	}
	return "/" + strings.Trim(p, "/")
}
