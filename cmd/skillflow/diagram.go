package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/rendis/skillflow/internal/diagram"
)

// runDiagram renders a workflow, optionally after a batch run so each node
// shows its outcome.
func runDiagram(args []string) error {
	fs := flag.NewFlagSet("diagram", flag.ContinueOnError)
	format := fs.String("format", "ascii", "output format: ascii or mermaid")
	withRun := fs.Bool("run", false, "run the workflow first and overlay node status")
	out := fs.String("out", "", "write to this file instead of stdout")
	target, err := oneArg(fs, args)
	if err != nil {
		return err
	}
	if *format != "ascii" && *format != "mermaid" {
		return usageError{fmt.Errorf("unknown format %q", *format)}
	}

	ctx := context.Background()
	a, id, err := openTarget(ctx, target)
	if err != nil {
		return err
	}
	defer a.Close()

	if *withRun {
		if _, err := a.ws.Run(ctx, id, false); err != nil {
			return err
		}
	}
	model, err := a.ws.Diagram(ctx, id)
	if err != nil {
		return err
	}

	var text string
	if *format == "mermaid" {
		text = "```mermaid\n" + diagram.RenderMermaid(model) + "```\n"
	} else {
		text = diagram.RenderASCII(model)
	}

	if *out == "" {
		fmt.Print(text)
		return nil
	}
	if err := os.WriteFile(*out, []byte(text), 0o644); err != nil {
		return err
	}
	fmt.Printf("Diagram written to %s\n", *out)
	return nil
}
