package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rendis/skillflow/internal/diagram"
	"github.com/rendis/skillflow/internal/workspace"
	"github.com/rendis/skillflow/pkg/schema"
)

const chatHelp = `Commands:
  /attach <path>   send a file with the next message
  /diagram         show the session's progress
  /cancel          stop and clear the session
  /restart         start over after a cancel or failure
  /quit            leave
`

func runChat(args []string) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
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

	view, err := a.ws.StartSession(ctx, id)
	if err != nil {
		return err
	}
	c := &chatTerminal{ws: a.ws, out: os.Stdout, sessionID: view.SessionID}
	c.show(view)
	fmt.Fprint(c.out, chatHelp)

	return c.loop(ctx, os.Stdin)
}

// chatTerminal renders a session's transcript as it grows and feeds it stdin lines.
type chatTerminal struct {
	ws        *workspace.Workspace
	out       io.Writer
	sessionID string
	shown     int
	pending   []schema.Attachment
}

func (c *chatTerminal) loop(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Fprint(c.out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if err := ctx.Err(); err != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		done, err := c.handle(ctx, line)
		if err != nil {
			fmt.Fprintf(c.out, "! %s\n", schema.MessageOf(err))
		}
		if done {
			return nil
		}
	}
}

// handle processes one input line and reports whether the user asked to leave.
func (c *chatTerminal) handle(ctx context.Context, line string) (bool, error) {
	switch {
	case line == "":
		return false, nil
	case line == "/quit":
		return true, nil
	case line == "/cancel":
		view, err := c.ws.CancelSession(c.sessionID)
		if err != nil {
			return false, err
		}
		c.shown = 0
		c.pending = nil
		fmt.Fprintln(c.out, "session cancelled")
		c.show(view)
		return false, nil
	case line == "/restart":
		view, err := c.ws.RestartSession(ctx, c.sessionID)
		if err != nil {
			return false, err
		}
		c.show(view)
		return false, nil
	case line == "/diagram":
		model, err := c.ws.SessionDiagram(c.sessionID)
		if err != nil {
			return false, err
		}
		fmt.Fprintln(c.out, diagram.RenderASCII(model))
		return false, nil
	case strings.HasPrefix(line, "/attach "):
		att, err := readAttachment(strings.TrimSpace(strings.TrimPrefix(line, "/attach ")))
		if err != nil {
			return false, err
		}
		c.pending = append(c.pending, att)
		fmt.Fprintf(c.out, "attached %s (%s, %d bytes)\n", att.Name, att.MimeType, len(att.Data))
		return false, nil
	case strings.HasPrefix(line, "/"):
		fmt.Fprint(c.out, chatHelp)
		return false, nil
	}

	view, err := c.ws.Submit(ctx, c.sessionID, line, c.pending)
	if err != nil {
		return false, err
	}
	c.pending = nil
	c.show(view)
	return view.State == schema.SessionComplete, nil
}

// show prints the turns added since the last call, then the error if the session stopped on one.
func (c *chatTerminal) show(view *workspace.SessionView) {
	if c.shown > len(view.Transcript) {
		c.shown = 0
	}
	for _, turn := range view.Transcript[c.shown:] {
		switch turn.Role {
		case schema.RoleUser:
			continue
		case schema.RoleAssistant:
			fmt.Fprintf(c.out, "[%s] %s\n", turn.NodeID, turn.Content)
		default:
			fmt.Fprintf(c.out, "%s\n", turn.Content)
		}
	}
	c.shown = len(view.Transcript)
	if view.Error != "" {
		fmt.Fprintf(c.out, "! %s (type /restart to try again)\n", view.Error)
	}
}

func readAttachment(path string) (schema.Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return schema.Attachment{}, err
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = mimeType[:i]
	}
	return schema.Attachment{Name: filepath.Base(path), MimeType: mimeType, Data: data}, nil
}
