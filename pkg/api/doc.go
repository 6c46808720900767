/*
Package api publishes the tool catalogue over the Model Context
Protocol.

The same MCPServer serves both transports: stdio for a single local
agent, and streamable HTTP for concurrent remote ones. The HTTP
listener doubles as the operational surface with /health, /ready,
/live, and /metrics next to /mcp.

Tool schemas are derived from the dispatcher's catalogue, so a tool
registered there is visible to clients without any declaration here.
Results are the dispatcher's JSON envelope verbatim; failed calls are
additionally flagged as MCP error results.
*/
package api
