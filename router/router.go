package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/ggoodman/publisher-gateway/faults"
	"github.com/ggoodman/publisher-gateway/internal/jsonrpc"
	"github.com/ggoodman/publisher-gateway/mcp"
)

var (
	// ErrDuplicateMethod is returned when a method name is registered twice.
	ErrDuplicateMethod = errors.New("method already registered")
	// ErrDuplicateTool is returned when a tool name is registered twice.
	ErrDuplicateTool = errors.New("tool already registered")
	// ErrDuplicateTemplate is returned when a URI template is registered twice.
	ErrDuplicateTemplate = errors.New("resource template already registered")
	// ErrSealed is returned by registrations attempted after Seal.
	ErrSealed = errors.New("router is sealed")
)

// Kind is the capability variant a method handler implements.
type Kind uint8

const (
	KindSession Kind = iota + 1
	KindResourceRead
	KindResourceList
	KindToolInvoke
)

func (k Kind) String() string {
	switch k {
	case KindSession:
		return "session"
	case KindResourceRead:
		return "resource-read"
	case KindResourceList:
		return "resource-list"
	case KindToolInvoke:
		return "tool-invoke"
	default:
		return "unknown"
	}
}

// Session is the handler's view of the channel its response travels on.
type Session interface {
	ConnectionID() string
	Notify(ctx context.Context, method string, params any) error
}

// HandlerFunc serves one prepared call.
type HandlerFunc func(ctx context.Context, call *Call) (any, error)

// MethodRegistration binds a method name to its parameter schema and handler.
type MethodRegistration struct {
	Name   string
	Kind   Kind
	Schema *jsonschema.Schema
	// Bind decodes params that passed schema validation into the typed value
	// exposed as Call.Params, applying cross-field rules on the way.
	Bind    func(raw json.RawMessage) (any, error)
	Handler HandlerFunc

	compiled *paramSchema
}

// Call is a request that passed lookup and validation.
type Call struct {
	Method  string
	ID      jsonrpc.RequestID
	Params  any
	Session Session

	reg       *MethodRegistration
	cancelled func() bool
}

// Kind returns the capability variant of the routed method.
func (c *Call) Kind() Kind { return c.reg.Kind }

// SetCancelCheck installs the cooperative cancellation flag.
func (c *Call) SetCancelCheck(fn func() bool) { c.cancelled = fn }

// Cancelled reports whether the response target has gone away. Handlers
// may check it before expensive work and return early.
func (c *Call) Cancelled() bool {
	return c.cancelled != nil && c.cancelled()
}

// Invoke runs the handler.
func (c *Call) Invoke(ctx context.Context) (any, error) {
	return c.reg.Handler(ctx, c)
}

// Router maps method names to handlers and resource URIs to templates.
type Router struct {
	log          *slog.Logger
	serverInfo   mcp.ImplementationInfo
	instructions string
	pageSize     int

	mu        sync.RWMutex
	sealed    bool
	methods   map[string]*MethodRegistration
	tools     map[string]*Tool
	toolOrder []string
	templates []*ResourceTemplate
	roots     RootLister
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(r *Router) { r.log = log }
}

// WithServerInfo sets the implementation info returned by initialize.
func WithServerInfo(name, version string) Option {
	return func(r *Router) { r.serverInfo = mcp.ImplementationInfo{Name: name, Version: version} }
}

// WithInstructions sets the usage instructions returned by initialize.
func WithInstructions(s string) Option {
	return func(r *Router) { r.instructions = s }
}

// WithPageSize sets the page size of list methods. Non-positive values are ignored.
func WithPageSize(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// New returns a router with the built-in session, resource and tool methods
// registered.
func New(opts ...Option) *Router {
	r := &Router{
		log:        slog.Default(),
		serverInfo: mcp.ImplementationInfo{Name: "publisher-gateway", Version: "dev"},
		pageSize:   50,
		methods:    make(map[string]*MethodRegistration),
		tools:      make(map[string]*Tool),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.MustRegister(Method(string(mcp.InitializeMethod), KindSession, r.initialize, AllowAdditionalParams()))
	r.MustRegister(Method(string(mcp.PingMethod), KindSession, r.ping, AllowAdditionalParams()))
	r.MustRegister(Method(string(mcp.ResourcesListMethod), KindResourceList, r.listResources))
	r.MustRegister(Method(string(mcp.ResourcesTemplatesListMethod), KindResourceList, r.listTemplates))
	r.MustRegister(Method(string(mcp.ResourcesReadMethod), KindResourceRead, r.readResource))
	r.MustRegister(Method(string(mcp.ToolsListMethod), KindToolInvoke, r.listTools))
	r.MustRegister(r.toolsCallRegistration())
	return r
}

// Register adds a method. Registering a name twice is a configuration error.
func (r *Router) Register(reg MethodRegistration) error {
	if reg.Name == "" || reg.Handler == nil {
		return fmt.Errorf("router: registration requires a name and a handler")
	}
	compiled, err := compileSchema(reg.Schema)
	if err != nil {
		return fmt.Errorf("router: %s: %w", reg.Name, err)
	}
	reg.compiled = compiled

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrSealed
	}
	if _, ok := r.methods[reg.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateMethod, reg.Name)
	}
	r.methods[reg.Name] = &reg
	return nil
}

// MustRegister is Register that panics on error.
func (r *Router) MustRegister(reg MethodRegistration) {
	if err := r.Register(reg); err != nil {
		panic(err)
	}
}

// Seal freezes the registration tables.
func (r *Router) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Lookup returns the registration for an exact method name.
func (r *Router) Lookup(method string) (*MethodRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.methods[method]
	return reg, ok
}

// Prepare resolves and validates a request without running its handler:
// the method is looked up, params are checked against the registered
// schema, and cross-field rules are enforced. Failures are
// *faults.MethodNotFoundError or *faults.InvalidParamsError.
func (r *Router) Prepare(env jsonrpc.Envelope) (*Call, error) {
	reg, ok := r.Lookup(env.Method)
	if !ok {
		return nil, &faults.MethodNotFoundError{Method: env.Method}
	}

	schemaErrs := reg.compiled.validate(env.Params)
	var params any
	var bindErr error
	if reg.Bind != nil {
		params, bindErr = reg.Bind(env.Params)
	}
	if err := collect(schemaErrs, bindErr); err != nil {
		return nil, faults.NewInvalidParams(env.Method, err)
	}

	return &Call{
		Method: env.Method,
		ID:     env.ID,
		Params: params,
		reg:    reg,
	}, nil
}

// Route prepares and invokes a request in one step.
func (r *Router) Route(ctx context.Context, env jsonrpc.Envelope, sess Session) (any, error) {
	call, err := r.Prepare(env)
	if err != nil {
		return nil, err
	}
	call.Session = sess
	return call.Invoke(ctx)
}

// MethodOption configures a typed method registration.
type MethodOption func(*methodConfig)

type methodConfig struct {
	allowAdditional bool
}

// AllowAdditionalParams accepts params fields the schema does not declare.
func AllowAdditionalParams() MethodOption {
	return func(c *methodConfig) { c.allowAdditional = true }
}

// Method builds a registration whose params decode into P. The schema is
// reflected from P; if P implements Validator its rules run after decoding.
func Method[P any](name string, kind Kind, fn func(ctx context.Context, call *Call, params P) (any, error), opts ...MethodOption) MethodRegistration {
	var cfg methodConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return MethodRegistration{
		Name:   name,
		Kind:   kind,
		Schema: reflectSchema[P](cfg.allowAdditional),
		Bind: func(raw json.RawMessage) (any, error) {
			return bindParams[P](raw)
		},
		Handler: func(ctx context.Context, call *Call) (any, error) {
			p, _ := call.Params.(P)
			return fn(ctx, call, p)
		},
	}
}

func (r *Router) initialize(ctx context.Context, call *Call, req mcp.InitializeRequest) (any, error) {
	version := mcp.LatestProtocolVersion
	for _, v := range mcp.SupportedProtocolVersions {
		if v == req.ProtocolVersion {
			version = v
			break
		}
	}
	r.log.InfoContext(ctx, "session.initialize",
		slog.String("client", req.ClientInfo.Name),
		slog.String("client_version", req.ClientInfo.Version),
		slog.String("protocol_version", version),
	)
	return &mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities: mcp.ServerCapabilities{
			Resources: &mcp.ResourcesCapability{ListChanged: true},
			Tools:     &mcp.ToolsCapability{},
		},
		ServerInfo:   r.serverInfo,
		Instructions: r.instructions,
	}, nil
}

func (r *Router) ping(context.Context, *Call, mcp.PingRequest) (any, error) {
	return &mcp.EmptyResult{}, nil
}

// page slices items by an opaque cursor.
func page[T any](items []T, cursor string, size int) ([]T, string, error) {
	start := 0
	if cursor != "" {
		var err error
		if start, err = strconv.Atoi(cursor); err != nil || start < 0 || start > len(items) {
			return nil, "", &faults.Violation{Field: "cursor", Problem: "is not a cursor issued by this server"}
		}
	}
	end := start + size
	if end >= len(items) {
		return items[start:], "", nil
	}
	return items[start:end], strconv.Itoa(end), nil
}
