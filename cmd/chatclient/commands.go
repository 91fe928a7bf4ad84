package main

import (
	"context"
	"fmt"
	"strings"

	"chatsync/internal/models"
	"chatsync/pkg/chatclient"
)

const (
	cmdSend    = "send"
	cmdMedia   = "media"
	cmdRead    = "read"
	cmdJoin    = "join"
	cmdLeave   = "leave"
	cmdTyping  = "typing"
	cmdProfile = "profile"
	cmdStatus  = "status"
	cmdQueue   = "queue"
	cmdOnline  = "online"
	cmdOffline = "offline"
	cmdQuit    = "quit"
)

// arity is the minimum number of arguments of each command. The last
// argument of send, media and profile swallows the rest of the line.
var arity = map[string]int{
	cmdSend: 2, cmdMedia: 2, cmdRead: 2, cmdJoin: 1, cmdLeave: 1, cmdTyping: 1,
	cmdProfile: 1, cmdStatus: 1, cmdQueue: 0, cmdOnline: 0, cmdOffline: 0, cmdQuit: 0,
}

type command struct {
	name string
	args []string
}

// parseCommand reads one input line. "/cmd args" runs a command and
// "conversation: text" is shorthand for /send.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, fmt.Errorf("empty input")
	}
	if !strings.HasPrefix(line, "/") {
		conv, text, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(conv) == "" || strings.TrimSpace(text) == "" {
			return command{}, fmt.Errorf("expected \"conversation: text\" or a /command")
		}
		return command{name: cmdSend, args: []string{strings.TrimSpace(conv), strings.TrimSpace(text)}}, nil
	}

	name, rest, _ := strings.Cut(line[1:], " ")
	want, ok := arity[name]
	if !ok {
		return command{}, fmt.Errorf("unknown command /%s", name)
	}
	fields := strings.Fields(rest)
	switch name {
	case cmdSend, cmdMedia:
		if len(fields) >= 2 {
			fields = []string{fields[0], strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rest), fields[0]))}
		}
	case cmdProfile:
		if len(fields) >= 1 {
			fields = []string{strings.TrimSpace(rest)}
		}
	}
	if len(fields) < want {
		return command{}, fmt.Errorf("/%s needs %d argument(s)", name, want)
	}
	return command{name: name, args: fields}, nil
}

func execute(ctx context.Context, c *chatclient.Client, cmd command, p *printer) error {
	switch cmd.name {
	case cmdSend:
		id, err := c.SendMessage(ctx, cmd.args[0], cmd.args[1])
		if err != nil {
			return err
		}
		p.printf("* queued %s", id)
	case cmdMedia:
		ref, caption, _ := strings.Cut(cmd.args[1], " ")
		id, err := c.SendMedia(ctx, cmd.args[0], ref, caption)
		if err != nil {
			return err
		}
		p.printf("* queued %s", id)
	case cmdRead:
		return c.MarkRead(ctx, cmd.args[0], cmd.args[1])
	case cmdJoin:
		_, err := c.Join(ctx, cmd.args[0])
		return err
	case cmdLeave:
		_, err := c.Leave(ctx, cmd.args[0])
		return err
	case cmdTyping:
		return c.Typing(ctx, cmd.args[0], true)
	case cmdProfile:
		_, err := c.UpdateProfile(ctx, models.ProfilePayload{DisplayName: cmd.args[0]})
		return err
	case cmdStatus:
		if view, ok := c.Status(cmd.args[0]); ok {
			p.printf("* %s %s (delivered %d, read %d)", cmd.args[0], view.Status, len(view.DeliveredTo), len(view.ReadBy))
			return nil
		}
		if status, ok := c.PendingStatus(cmd.args[0]); ok {
			p.printf("* %s %s", cmd.args[0], status)
			return nil
		}
		return fmt.Errorf("no status for %s", cmd.args[0])
	case cmdQueue:
		depth, err := c.QueueDepth(ctx)
		if err != nil {
			return err
		}
		p.printf("* %d pending, link %s", depth, c.State())
	case cmdOnline:
		c.SetNetworkAvailable(true)
	case cmdOffline:
		c.SetNetworkAvailable(false)
	}
	return nil
}
