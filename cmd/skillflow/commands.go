package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/rendis/skillflow/internal/engine"
	"github.com/rendis/skillflow/internal/loader"
	"github.com/rendis/skillflow/internal/workspace"
	"github.com/rendis/skillflow/pkg/schema"
)

// usageError marks bad command-line arguments (exit code 2).
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// errNodesFailed is returned when a batch run finishes with failed nodes.
var errNodesFailed = errors.New("one or more nodes failed")

func exitCode(err error) int {
	var ue usageError
	if errors.As(err, &ue) || errors.Is(err, flag.ErrHelp) {
		return 2
	}
	return 1
}

// isWorkflowFile reports whether arg names a workflow file rather than a saved workflow ID.
func isWorkflowFile(arg string) bool {
	if _, ok := loader.FormatOf(arg); !ok {
		return false
	}
	_, err := os.Stat(arg)
	return err == nil
}

// openTarget wires an app for arg and returns the workflow ID to act on.
// A file is loaded into an in-memory workspace; an ID is looked up in the database.
func openTarget(ctx context.Context, arg string) (*app, string, error) {
	file := isWorkflowFile(arg)
	a, err := newApp(ctx, loadConfig(), appOptions{ephemeral: file})
	if err != nil {
		return nil, "", err
	}
	if !file {
		return a, arg, nil
	}

	def, err := loader.New(a.logger).Load(ctx, arg)
	if err != nil {
		a.Close()
		return nil, "", err
	}
	wf, vr, err := a.ws.SaveWorkflow(ctx, def)
	if err != nil {
		if vr != nil && !vr.Valid() {
			printValidation(os.Stderr, arg, vr)
		}
		a.Close()
		return nil, "", err
	}
	for _, w := range vr.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s: %s\n", w.Path, w.Message)
	}
	return a, wf.ID, nil
}

func oneArg(fs *flag.FlagSet, args []string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", usageError{err}
	}
	if fs.NArg() != 1 {
		return "", usageError{fmt.Errorf("%s expects one workflow file or ID", fs.Name())}
	}
	return fs.Arg(0), nil
}

func runRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	resume := fs.Bool("resume", false, "skip nodes that already have a result, failed ones included")
	node := fs.String("node", "", "run only this node against earlier results")
	asJSON := fs.Bool("json", false, "print the full report as JSON")
	target, err := oneArg(fs, args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, id, err := openTarget(ctx, target)
	if err != nil {
		return err
	}
	defer a.Close()

	var report *workspace.RunReport
	if *node != "" {
		report, err = a.ws.RunNode(ctx, id, *node)
	} else {
		report, err = a.ws.Run(ctx, id, *resume)
	}
	if err != nil {
		return err
	}

	if *asJSON {
		if err := printJSON(os.Stdout, report); err != nil {
			return err
		}
	} else {
		order, err := a.ws.Order(ctx, id)
		if err != nil {
			return err
		}
		printReport(os.Stdout, report, order)
	}

	for _, r := range report.Results {
		if r.Outcome == engine.OutcomeFailure {
			return errNodesFailed
		}
	}
	return nil
}

func runOrder(args []string) error {
	fs := flag.NewFlagSet("order", flag.ContinueOnError)
	target, err := oneArg(fs, args)
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, id, err := openTarget(ctx, target)
	if err != nil {
		return err
	}
	defer a.Close()

	order, err := a.ws.Order(ctx, id)
	if err != nil {
		return err
	}
	for i, nodeID := range order {
		fmt.Printf("%d. %s\n", i+1, nodeID)
	}
	return nil
}

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return usageError{err}
	}
	if fs.NArg() == 0 {
		return usageError{errors.New("validate expects at least one file or directory")}
	}

	ctx := context.Background()
	a, err := newApp(ctx, loadConfig(), appOptions{ephemeral: true})
	if err != nil {
		return err
	}
	defer a.Close()
	l := loader.New(a.logger)

	invalid := 0
	for _, path := range fs.Args() {
		defs, err := loadPath(ctx, l, path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %s\n", path, schema.MessageOf(err))
			invalid++
			continue
		}
		for _, def := range defs {
			vr := a.ws.Validate(def)
			printValidation(os.Stdout, def.Name, vr)
			if !vr.Valid() {
				invalid++
			}
		}
	}
	if invalid > 0 {
		return fmt.Errorf("%d invalid workflow(s)", invalid)
	}
	return nil
}

func loadPath(ctx context.Context, l *loader.Loader, path string) ([]*schema.WorkflowDefinition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return l.LoadDir(ctx, path)
	}
	def, err := l.Load(ctx, path)
	if err != nil {
		return nil, err
	}
	return []*schema.WorkflowDefinition{def}, nil
}

func runSecret(args []string) error {
	if len(args) == 0 || args[0] != "set" {
		return usageError{errors.New("usage: skillflow secret set < key.txt")}
	}
	cfg := loadConfig()
	if cfg.CredentialKey == "" {
		return errors.New("SKILLFLOW_CREDENTIAL_KEY must be set to encrypt the stored key")
	}

	key, err := readSecret(os.Stdin)
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.credentials.SetAPIKey(ctx, key); err != nil {
		return err
	}
	fmt.Println("API key stored")
	return nil
}

func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read key: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errors.New("no key on stdin")
	}
	return line, nil
}

// --- Output ---

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printReport(w io.Writer, report *workspace.RunReport, order []string) {
	fmt.Fprintf(w, "run %s (%d ms)\n", report.RunID, report.DurationMs)

	seen := make(map[string]bool, len(order))
	ids := make([]string, 0, len(report.Results))
	for _, id := range order {
		if _, ok := report.Results[id]; ok {
			ids = append(ids, id)
			seen[id] = true
		}
	}
	var rest []string
	for id := range report.Results {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	ids = append(ids, rest...)

	for _, id := range ids {
		r := report.Results[id]
		switch r.Outcome {
		case engine.OutcomeSuccess:
			out, _ := json.Marshal(r.Output)
			fmt.Fprintf(w, "  [OK]   %s  %s\n", id, truncate(string(out), 120))
		default:
			fmt.Fprintf(w, "  [FAIL] %s  %s\n", id, r.Message)
		}
	}
}

func printValidation(w io.Writer, name string, vr *schema.ValidationResult) {
	if vr.Valid() {
		fmt.Fprintf(w, "%s: ok\n", name)
	} else {
		fmt.Fprintf(w, "%s: invalid\n", name)
	}
	for _, e := range vr.Errors {
		fmt.Fprintf(w, "  error   %s%s: %s (%s)\n", e.Path, nodeSuffix(e), e.Message, e.Code)
	}
	for _, warn := range vr.Warnings {
		fmt.Fprintf(w, "  warning %s%s: %s (%s)\n", warn.Path, nodeSuffix(warn), warn.Message, warn.Code)
	}
}

func nodeSuffix(is schema.ValidationIssue) string {
	if is.NodeID == "" {
		return ""
	}
	return " [" + is.NodeID + "]"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
