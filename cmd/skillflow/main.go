package main

import (
	"fmt"
	"os"
)

const usage = `skillflow runs graphs of skills, in batch or as a conversation.

Usage:
  skillflow serve [--stdio] [--panel]        MCP server (SSE under /mcp, or stdio) and optional panel API
  skillflow run [flags] <file|workflow-id>   run every node once, in execution order
  skillflow order <file|workflow-id>         print the execution order
  skillflow chat <file|workflow-id>          walk a workflow as a conversation on the terminal
  skillflow validate <file|dir>...           check workflow files without running them
  skillflow diagram [flags] <file|id>        render a workflow as ASCII or Mermaid
  skillflow secret set                       store the API key (read from stdin) in the vault
  skillflow install [flags]                  write ~/.skillflow/settings.json and reload a running server
  skillflow version                          print the version

Workflow files end in .json or .hcl. Anything else is treated as the ID of a
saved workflow.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(args)
	case "run":
		err = runRun(args)
	case "order":
		err = runOrder(args)
	case "chat":
		err = runChat(args)
	case "validate":
		err = runValidate(args)
	case "diagram":
		err = runDiagram(args)
	case "secret":
		err = runSecret(args)
	case "install":
		err = runInstall(args)
	case "version", "--version", "-v":
		runVersion()
	case "help", "--help", "-h":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}
