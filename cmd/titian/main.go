// Titian is an MCP client with an agentic tool loop.
//
// Usage:
//
//	titian chat <server-script>          Interactive chat session
//	titian ask <server-script> <query>   One-shot query
//	titian tools <server-script>         List the server's tools
//	titian resources <server-script>     List or read the server's resources
//	titian serve <server-script>         Websocket gateway
//	titian usage                         Token usage summary
package main

import "github.com/harida/titian/internal/cli"

func main() {
	cli.Execute()
}
