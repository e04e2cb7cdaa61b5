// Package models defines the shared data model for the branchpad sync engine.
//
// The model is built around a tree of typed [Node] entities. Every mutation to a
// node is recorded as an immutable [Transaction] with a strictly increasing
// per-workspace version; that version doubles as the sync cursor for the
// pull-based replication protocol. Access control is expressed as collaborator
// maps embedded in node attributes and materialized into [Collaboration] grant
// rows by a background fan-out job.
//
// All entities carry typed identifiers. Tree nodes use [NodeID], a ULID with a
// two character type suffix so the node type can be recovered from the id
// alone. Users, workspaces and devices use UUID-backed ids in the style of
// [UserID].
//
// The same gorm-tagged structs are persisted on both sides of the wire: the
// authoritative PostgreSQL store on the server and the SQLite replica on each
// client.
package models
