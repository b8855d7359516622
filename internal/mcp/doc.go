// Package mcp defines the protocol types shared by every provider driver:
// requests, responses, and the partial responses emitted while streaming.
// The orchestration engine treats these as its wire-neutral currency; drivers
// translate them to and from each provider's native API.
package mcp
