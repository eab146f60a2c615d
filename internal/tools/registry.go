package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/appstore"
	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/connectivity"
	"github.com/brandon/mailsync/internal/credential"
	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/pipeline"
)

// Disconnecter drops the open sessions of an account
type Disconnecter interface {
	Disconnect(accountID string)
}

// Deps are the components the tools operate on
type Deps struct {
	Config      *config.Config
	Accounts    *email.Directory
	Remote      pipeline.Remote
	Connections Disconnecter
	Store       *appstore.Store
	DB          *cache.Store
	Pipelines   *pipeline.Manager
	Archiver    *pipeline.Archiver
	Network     *connectivity.Monitor
	// Credentials may be nil when no keyring is available
	Credentials *credential.Store
	Logger      *logrus.Logger

	tasks *tasks
}

// background runs fn detached from the request that triggered it
func (d *Deps) background(name string, fn func(ctx context.Context) error) {
	d.tasks.run(name, fn)
}

// tasks tracks the work tools start in the background
type tasks struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *logrus.Logger
}

func (t *tasks) run(name string, fn func(ctx context.Context) error) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := fn(t.ctx); err != nil {
			t.logger.WithError(err).WithField("task", name).Warn("Background task failed")
		}
	}()
}

// Registry manages MCP tools
type Registry struct {
	deps   *Deps
	logger *logrus.Logger
	tools  map[string]Tool
}

// Tool represents an MCP tool
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, params map[string]interface{}) (interface{}, error)
}

// NewRegistry creates a registry with every tool registered
func NewRegistry(deps *Deps) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	deps.tasks = &tasks{ctx: ctx, cancel: cancel, logger: deps.Logger}

	reg := &Registry{
		deps:   deps,
		logger: deps.Logger,
		tools:  make(map[string]Tool),
	}
	reg.registerTools()
	return reg
}

// registerTools registers all available tools
func (r *Registry) registerTools() {
	toolList := []Tool{
		NewListMailboxesTool(r.deps),
		NewActivateAccountTool(r.deps),
		NewSwitchAccountTool(r.deps),
		NewRemoveAccountTool(r.deps),
		NewHideAccountTool(r.deps),
		NewSetOnlineTool(r.deps),
		NewPipelineStatusTool(r.deps),
		NewLoadRangeTool(r.deps),
		NewListThreadsTool(r.deps),
		NewListCorrespondentsTool(r.deps),
		NewGetEmailTool(r.deps),
		NewSetFlagsTool(r.deps),
		NewArchiveEmailTool(r.deps),
		NewArchiveEmailsTool(r.deps),
		NewCancelArchiveTool(r.deps),
		NewDeleteEmailTool(r.deps),
		NewSearchEmailsTool(r.deps),
	}

	for _, tool := range toolList {
		r.Register(tool)
	}

	r.logger.WithField("count", len(r.tools)).Info("Registered tools")
}

// Register adds or replaces a tool
func (r *Registry) Register(tool Tool) {
	r.tools[tool.Name()] = tool
	r.logger.WithField("tool", tool.Name()).Debug("Registered tool")
}

// GetTool returns a tool by name
func (r *Registry) GetTool(name string) (Tool, bool) {
	tool, exists := r.tools[name]
	return tool, exists
}

// ListTools returns all registered tools sorted by name
func (r *Registry) ListTools() []Tool {
	tools := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

// GetToolDefinitions returns tool definitions for MCP
func (r *Registry) GetToolDefinitions() []map[string]interface{} {
	tools := r.ListTools()
	definitions := make([]map[string]interface{}, 0, len(tools))
	for _, tool := range tools {
		definitions = append(definitions, map[string]interface{}{
			"name":        tool.Name(),
			"description": tool.Description(),
			"inputSchema": tool.InputSchema(),
		})
	}
	return definitions
}

// Close cancels background tasks and waits for them to return
func (r *Registry) Close() {
	r.deps.tasks.cancel()
	r.deps.tasks.wg.Wait()
}

// Wait blocks until the running background tasks have returned
func (r *Registry) Wait() {
	r.deps.tasks.wg.Wait()
}
