// Package mcp manages the tool servers that back capability agents.
//
// Each tool server is a long-lived subprocess speaking the Model Context
// Protocol over stdio. A [Server] owns exactly one subprocess: it is
// connected once at startup, shared by every dispatch, and cleaned up
// once at shutdown. The protocol itself is handled by the official
// go-sdk; this package adds the lifecycle rules, failure classification
// and the bridge that exposes a server's tools through a
// [tools.Registry].
//
// A subprocess that dies or stops answering surfaces as an
// [*UnavailableError] (matching [ErrUnavailable]), never as a silent hang.
package mcp
