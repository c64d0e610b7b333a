// Package indexer is the public entry point for embedding callers (a CLI,
// an editor plugin, an MCP tool handler) into a workspace's semantic
// index. It is a thin facade over internal/orchestrator: every method
// here has a direct counterpart on orchestrator.Orchestrator, kept
// separate so the public API surface can evolve independently of the
// internal wiring it delegates to.
//
// # Usage
//
//	idx, err := indexer.New(indexer.Options{
//	    Config:   cfg,
//	    StateDir: stateDir,
//	})
//	if err != nil {
//	    return err
//	}
//	defer idx.Close()
//
//	if err := idx.Index(ctx, workspace, nil); err != nil {
//	    return err
//	}
//	hits, err := idx.Retrieve(ctx, workspace, "parse a config file", 10)
//
// # Thread Safety
//
// Indexer is safe for concurrent use across workspaces. A single
// workspace's refresh is never run concurrently with itself; the
// underlying scheduler rejects the overlapping call instead of queuing
// it silently.
package indexer
