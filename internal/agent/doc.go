// Package agent runs chat turns and scheduled executions.
//
// It resolves the acting agent, assembles its prompt, leases its tools,
// routes the call to the native or the generic engine and records the
// outcome.
package agent
