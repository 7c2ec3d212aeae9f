// Package ldm provides a minimal public API for embedding the localization
// data manager in other Go programs.
//
// Most integrations should talk to a running server over its HTTP surface
// instead. This package exports only the types and constructors needed to
// open a store programmatically, for tools that operate on a local
// workspace directly.
package ldm

import (
	"context"

	"github.com/locstore/ldm/internal/storage"
	"github.com/locstore/ldm/internal/storage/postgres"
	"github.com/locstore/ldm/internal/storage/sqlite"
	"github.com/locstore/ldm/internal/types"
)

// Core entity types.
type (
	Platform = types.Platform
	Project  = types.Project
	Folder   = types.Folder
	File     = types.File
	Row      = types.Row
	TM       = types.TM
	TMEntry  = types.TMEntry
)

// Row status constants.
const (
	StatusPending    = types.StatusPending
	StatusTranslated = types.StatusTranslated
	StatusReviewed   = types.StatusReviewed
	StatusApproved   = types.StatusApproved
)

// Store is the repository contract shared by both backends.
type Store = storage.Store

// OpenLocal opens (creating if needed) a local single-user store at path.
func OpenLocal(ctx context.Context, path string) (Store, error) {
	return sqlite.Open(ctx, path)
}

// OpenAuthoritative connects to a central multi-user store.
func OpenAuthoritative(ctx context.Context, dsn string) (Store, error) {
	return postgres.Open(ctx, dsn, postgres.DefaultOptions())
}
