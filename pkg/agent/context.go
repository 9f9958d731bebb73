package agent

import (
	"context"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey int

const (
	// agentContextKey is the key for storing an agent.Context in a context.Context
	agentContextKey contextKey = iota
)

// ContextWithAgentID adds a bare agent ID to a context.Context.
func ContextWithAgentID(ctx context.Context, agentID ID) context.Context {
	return context.WithValue(ctx, agentContextKey, Context{AgentID: agentID})
}

// ContextWithAgent adds a full agent.Context to a context.Context.
func ContextWithAgent(ctx context.Context, agentCtx Context) context.Context {
	return context.WithValue(ctx, agentContextKey, agentCtx)
}

// GetAgentContext retrieves the agent.Context from a context.Context.
// If no agent.Context is found, it returns a zero-valued Context and false.
func GetAgentContext(ctx context.Context) (Context, bool) {
	agentCtx, ok := ctx.Value(agentContextKey).(Context)
	return agentCtx, ok
}

// MustGetAgentContext retrieves the agent.Context from a context.Context.
// Panics if no agent.Context is found, so only use when you are sure one exists.
func MustGetAgentContext(ctx context.Context) Context {
	agentCtx, ok := GetAgentContext(ctx)
	if !ok {
		panic("agent.Context not found in context.Context")
	}
	return agentCtx
}
