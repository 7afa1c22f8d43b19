// Package gateway implements the orchestration loop: the policy-enforced
// mediation between an untrusted conversational agent and the permissioned
// data backend. The model proposes; the gateway validates, authorizes,
// cost-checks, executes, and answers in a stable structured shape.
package gateway

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/atlasbi/gateway/internal/answer"
	"github.com/atlasbi/gateway/internal/auth"
	"github.com/atlasbi/gateway/internal/budget"
	"github.com/atlasbi/gateway/internal/dimension"
	"github.com/atlasbi/gateway/internal/export"
	"github.com/atlasbi/gateway/internal/metrics"
	"github.com/atlasbi/gateway/internal/proposal"
	"github.com/atlasbi/gateway/internal/provider"
	"github.com/atlasbi/gateway/internal/registry"
	"github.com/atlasbi/gateway/internal/router"
	"github.com/atlasbi/gateway/internal/safety"
	"github.com/atlasbi/gateway/internal/storage"
	"github.com/atlasbi/gateway/internal/workspace"
)

// ErrIterationCapExceeded is terminal for a turn: the model kept requesting
// tools past the round-trip cap without producing an answer.
var ErrIterationCapExceeded = errors.New("iteration cap exceeded")

// Config bounds one gateway instance. Zero values take the defaults.
type Config struct {
	MaxIterations           int           // model round trips per turn
	MaxHistoryMessages      int           // conversation messages sent to the model
	MaxInputChars           int           // user message length cap
	ProviderTimeout         time.Duration // per model call
	ToolTimeout             time.Duration // per tool execution, unless the tool overrides
	SemaphoreCap            int64         // concurrent tool executions, fleet-wide per process
	SemaphoreAcquireTimeout time.Duration // wait before "server busy"
}

func (c *Config) defaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 8
	}
	if c.MaxHistoryMessages <= 0 {
		c.MaxHistoryMessages = 20
	}
	if c.MaxInputChars <= 0 {
		c.MaxInputChars = 8000
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 60 * time.Second
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 30 * time.Second
	}
	if c.SemaphoreCap <= 0 {
		c.SemaphoreCap = 10
	}
	if c.SemaphoreAcquireTimeout <= 0 {
		c.SemaphoreAcquireTimeout = 5 * time.Second
	}
}

// RequestContext carries the caller state for one turn.
type RequestContext struct {
	RequestID      string
	ConversationID string
	Identity       *auth.Identity
	Workspace      *workspace.Workspace
	History        []provider.Message
}

// Gateway wires every component of the orchestration loop.
type Gateway struct {
	cfg        Config
	registry   *registry.Registry
	resolver   *dimension.Resolver
	safety     *safety.Controller
	budget     *budget.Controller
	classifier *router.Classifier
	selector   *router.Selector
	escalator  *router.Escalator
	providers  map[string]*provider.Client
	proposals  *proposal.Service
	exports    *export.Manager
	audit      storage.EventWriter
	metrics    *metrics.Metrics
	parser     *answer.Parser
	logger     *zap.Logger

	// sem bounds concurrent tool executions across every in-flight loop to
	// protect the backend's connection pool.
	sem *semaphore.Weighted
}

// Dependencies collects the gateway's collaborators.
type Dependencies struct {
	Config     Config
	Registry   *registry.Registry
	Resolver   *dimension.Resolver
	Safety     *safety.Controller
	Budget     *budget.Controller
	Classifier *router.Classifier
	Selector   *router.Selector
	Providers  map[string]*provider.Client
	Proposals  *proposal.Service
	Exports    *export.Manager
	Audit      storage.EventWriter
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// New creates a gateway.
func New(deps Dependencies) *Gateway {
	cfg := deps.Config
	cfg.defaults()
	return &Gateway{
		cfg:        cfg,
		registry:   deps.Registry,
		resolver:   deps.Resolver,
		safety:     deps.Safety,
		budget:     deps.Budget,
		classifier: deps.Classifier,
		selector:   deps.Selector,
		escalator:  router.NewEscalator(deps.Registry),
		providers:  deps.Providers,
		proposals:  deps.Proposals,
		exports:    deps.Exports,
		audit:      deps.Audit,
		metrics:    deps.Metrics,
		parser:     answer.NewParser(),
		logger:     deps.Logger,
		sem:        semaphore.NewWeighted(cfg.SemaphoreCap),
	}
}

// client resolves a record's provider name to a configured client, falling
// back to the "default" entry.
func (g *Gateway) client(name string) *provider.Client {
	if c, ok := g.providers[name]; ok {
		return c
	}
	return g.providers["default"]
}
