package tools

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/email"
	apperrors "github.com/brandon/mailsync/internal/errors"
	"github.com/brandon/mailsync/internal/sync"
)

// Deps are the sync core components the tools operate on
type Deps struct {
	Store     *cache.Store
	Pool      *email.Pool
	Folders   *sync.FolderSynchronizer
	Messages  *sync.MessageSynchronizer
	Executor  *sync.Executor
	Scheduler *sync.Scheduler

	// SearchResultLimit caps list and search results
	SearchResultLimit int
}

// Registry manages MCP tools
type Registry struct {
	deps   Deps
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

// NewRegistry creates a new tool registry
func NewRegistry(deps Deps, logger *logrus.Logger) (*Registry, error) {
	if deps.Store == nil || deps.Pool == nil || deps.Folders == nil || deps.Messages == nil || deps.Executor == nil {
		return nil, fmt.Errorf("tool registry: store, pool, synchronizers and executor are required")
	}
	if deps.SearchResultLimit <= 0 {
		deps.SearchResultLimit = 100
	}

	reg := &Registry{
		deps:   deps,
		logger: logger,
		tools:  make(map[string]Tool),
	}

	reg.registerTools()

	return reg, nil
}

// registerTools registers all available tools
func (r *Registry) registerTools() {
	toolList := []Tool{
		&listAccountsTool{deps: r.deps},
		&connectAccountTool{deps: r.deps, logger: r.logger},
		&disconnectAccountTool{deps: r.deps, logger: r.logger},
		&listFoldersTool{deps: r.deps},
		&syncFolderTool{deps: r.deps},
		&listMessagesTool{deps: r.deps},
		&searchMessagesTool{deps: r.deps},
		&getMessageTool{deps: r.deps, logger: r.logger},
		&getAttachmentTool{deps: r.deps},
		&updateFlagsTool{deps: r.deps},
		&moveMessagesTool{deps: r.deps},
		&deleteMessagesTool{deps: r.deps},
	}

	for _, tool := range toolList {
		r.tools[tool.Name()] = tool
		r.logger.WithField("tool", tool.Name()).Debug("Registered tool")
	}

	r.logger.WithField("count", len(r.tools)).Info("Registered tools")
}

// GetTool returns a tool by name
func (r *Registry) GetTool(name string) (Tool, bool) {
	tool, exists := r.tools[name]
	return tool, exists
}

// ListTools returns all registered tools ordered by name
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

// Execute runs a tool by name
func (r *Registry) Execute(ctx context.Context, name string, params map[string]interface{}) (interface{}, error) {
	tool, ok := r.GetTool(name)
	if !ok {
		return nil, fmt.Errorf("tool %q: %w", name, apperrors.ErrNotFound)
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	log := r.logger.WithField("tool", name)
	log.Debug("Executing tool")
	result, err := tool.Execute(ctx, params)
	if err != nil {
		log.WithError(err).WithField("code", apperrors.GetErrorCode(err)).Warn("Tool failed")
		return nil, err
	}
	return result, nil
}
