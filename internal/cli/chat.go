// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - Interactive chat command handler for the prepchat CLI.
//
// A line-oriented REPL over one chat session. Plain input is sent as a
// message; input starting with "/" is a command.
//
// Command: chat [conversation-id]
// Short:   Interactive chat (default command)
//
// Commands:
//   /help               Show commands
//   /model [id]         Show or switch (and remember) the model
//   /models             List models
//   /tools [on|off N]   List or toggle provider tools
//   /attach PATH        Stage a file for the next message
//   /detach [NAME]      Drop staged files
//   /new, /clear        Start a new conversation
//   /list [--archived]  List conversations
//   /open ID            Switch to a conversation
//   /branch N|MSG-ID    Copy this conversation up to a message and switch to it
//   /edit N TEXT        Replace message N and resend
//   /regen              Regenerate the last response
//   /delete-from N      Delete message N and everything after it
//   /pin, /archive, /restore, /delete [ID]
//   /history            Show this conversation
//   /usage, /status     Show usage and session status
//   /quit, /q           Exit
//
// Ctrl+C stops a response in flight; at the prompt it exits.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/peterh/liner"

	"github.com/jeranaias/prepchat/internal/chat"
	"github.com/jeranaias/prepchat/internal/config"
	"github.com/jeranaias/prepchat/internal/storage"
	"github.com/jeranaias/prepchat/internal/util"
)

// errQuit ends the REPL.
var errQuit = errors.New("quit")

// =============================================================================
// LINE INPUT
// =============================================================================

// lineReader reads one line of user input.
type lineReader interface {
	ReadInput(prompt string) (string, error)
	Close()
}

// ChatCLI provides input history and line editing for interactive chat.
type ChatCLI struct {
	line        *liner.State
	historyFile string
}

// NewChatCLI creates a ChatCLI with history loaded from the config directory.
func NewChatCLI() *ChatCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	configDir, err := config.ConfigDir()
	if err != nil {
		configDir = os.TempDir()
	}
	cli := &ChatCLI{
		line:        line,
		historyFile: filepath.Join(configDir, "chat_history"),
	}
	cli.LoadHistory()
	return cli
}

// LoadHistory loads command history from file.
func (c *ChatCLI) LoadHistory() {
	if f, err := os.Open(c.historyFile); err == nil {
		_, _ = c.line.ReadHistory(f)
		f.Close()
	}
}

// ReadInput reads a line of input with the given prompt.
func (c *ChatCLI) ReadInput(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// SaveHistory persists command history with owner-only permissions.
func (c *ChatCLI) SaveHistory() {
	if err := os.MkdirAll(filepath.Dir(c.historyFile), 0700); err != nil {
		return
	}
	f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = c.line.WriteHistory(f)
}

// Close saves history and closes the liner.
func (c *ChatCLI) Close() {
	c.SaveHistory()
	c.line.Close()
}

// plainReader reads lines from a non-terminal input, one per prompt.
type plainReader struct {
	sc *bufio.Scanner
}

func newPlainReader(r io.Reader) *plainReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), MaxStdinQuestion)
	return &plainReader{sc: sc}
}

func (p *plainReader) ReadInput(string) (string, error) {
	if !p.sc.Scan() {
		if err := p.sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return p.sc.Text(), nil
}

func (p *plainReader) Close() {}

// =============================================================================
// CHAT SESSION
// =============================================================================

// ChatSession is the state of one interactive chat.
type ChatSession struct {
	env   *Env
	rt    *Runtime
	svc   *chat.Service
	key   string
	input lineReader
	out   io.Writer
	errw  io.Writer
	start time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
}

// newChatSession builds a session on env's runtime. resumeID, when set,
// opens that conversation.
func newChatSession(ctx context.Context, env *Env, input lineReader, resumeID string) (*ChatSession, error) {
	rt, err := env.Runtime()
	if err != nil {
		return nil, err
	}
	svc, err := rt.NewService(env.Config.UserID)
	if err != nil {
		return nil, err
	}
	s := &ChatSession{
		env:   env,
		rt:    rt,
		svc:   svc,
		input: input,
		out:   env.Out,
		errw:  env.Err,
		start: time.Now(),
	}
	if resumeID != "" {
		conv, err := svc.Open(ctx, resumeID)
		if err != nil {
			_ = svc.Close(ctx)
			return nil, err
		}
		s.key = conv.ID
	} else if s.key, err = svc.New(); err != nil {
		_ = svc.Close(ctx)
		return nil, err
	}
	return s, nil
}

// HandleChatCommand handles the "chat" command.
func HandleChatCommand(ctx context.Context, env *Env) error {
	p := NewArgParser(env.Args.Raw)
	if env.Args.JSON {
		return NewValidationError("json", "true", "chat is interactive; use ask --json")
	}

	var input lineReader
	if isInteractive(env.In) {
		input = NewChatCLI()
	} else {
		input = newPlainReader(env.In)
	}

	s, err := newChatSession(ctx, env, input, p.Positional(0))
	if err != nil {
		input.Close()
		return err
	}
	defer s.close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		for range sigChan {
			s.interrupt()
		}
	}()

	if !env.Args.Quiet {
		s.printWelcome()
	}
	return s.run(ctx)
}

// run is the REPL loop.
func (s *ChatSession) run(ctx context.Context) error {
	for {
		s.drainEvents()
		input, err := s.input.ReadInput(PromptStyle.Render("prepchat> "))
		if err != nil {
			// Ctrl+C at the prompt, Ctrl+D and end of piped input all exit.
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(s.out)
				s.printExitSummary()
				return nil
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if strings.EqualFold(input, "exit") || strings.EqualFold(input, "quit") {
			s.printExitSummary()
			return nil
		}

		if strings.HasPrefix(input, "/") {
			err = s.handleSlashCommand(ctx, input)
		} else {
			err = s.sendAndFollow(ctx, func(ctx context.Context) (string, error) {
				return s.svc.Send(ctx, s.key, input)
			})
		}
		if errors.Is(err, errQuit) {
			s.printExitSummary()
			return nil
		}
		if err != nil {
			s.printError(err)
		}
	}
}

func (s *ChatSession) close() {
	ctx, cancel := context.WithTimeout(context.Background(), s.rt.persistTimeout())
	defer cancel()
	if err := s.svc.Close(ctx); err != nil {
		s.env.Logger.Warn("failed to sync conversation on exit", "error", err)
	}
	s.input.Close()
}

// interrupt stops the response in flight, if any.
func (s *ChatSession) interrupt() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		fmt.Fprintln(s.errw, "\n"+WarningStyle.Render("[Stopped]"))
	}
}

// =============================================================================
// MESSAGE PROCESSING
// =============================================================================

// sendAndFollow starts a response with send and prints it until it
// settles. Ctrl+C while it streams stops the response.
func (s *ChatSession) sendAndFollow(ctx context.Context, send func(context.Context) (string, error)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	if _, err := send(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
	}()

	printer := newStreamPrinter(s.out, s.errw, s.env.Config.UI.ShowReasoning)
	snap, err := followResponse(ctx, s.svc, s.key, printer)
	if err != nil {
		return err
	}
	s.key = snap.Key

	if !s.env.Args.Quiet {
		fmt.Fprintln(s.errw, renderResponseStats(snap, time.Since(start), s.env.Config.UI.ShowTokens, s.env.Config.UI.ShowCost))
	}
	if err := settledError(snap); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// drainEvents prints pending service notifications without blocking.
func (s *ChatSession) drainEvents() {
	for {
		select {
		case ev, ok := <-s.svc.Events():
			if !ok {
				return
			}
			s.printEvent(ev)
		default:
			return
		}
	}
}

func (s *ChatSession) printEvent(ev chat.Event) {
	if s.env.Args.Quiet {
		return
	}
	switch ev.Type {
	case chat.EventTitleUpdated:
		fmt.Fprintln(s.errw, InfoStyle.Render("[title] "+ev.Title))
	case chat.EventRateLimited:
		fmt.Fprintln(s.errw, WarningStyle.Render("[rate limited] "+ev.Message))
	case chat.EventBranched:
		fmt.Fprintln(s.errw, InfoStyle.Render("[branched] "+ev.ConversationID))
	}
}

func (s *ChatSession) printError(err error) {
	fmt.Fprintf(s.errw, "%s %v\n", ErrorStyle.Render("[Error]"), err)
}

func (s *ChatSession) printOK(format string, a ...any) {
	fmt.Fprintf(s.out, "%s %s\n", SuccessStyle.Render("[OK]"), fmt.Sprintf(format, a...))
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// slashCommands lists the command names for suggestions.
var slashCommands = []string{
	"/help", "/model", "/models", "/tools", "/attach", "/detach", "/new",
	"/clear", "/list", "/open", "/branch", "/edit", "/regen", "/delete-from",
	"/pin", "/archive", "/restore", "/delete", "/history", "/usage",
	"/status", "/stop", "/quit",
}

// handleSlashCommand runs one slash command. errQuit ends the session.
func (s *ChatSession) handleSlashCommand(ctx context.Context, line string) error {
	parts := strings.Fields(line)
	command := strings.ToLower(parts[0])
	args := parts[1:]

	switch command {
	case "/help", "/h", "/?", "/":
		s.printHelp()
	case "/quit", "/q", "/exit":
		return errQuit
	case "/model", "/m":
		return s.cmdModel(ctx, args)
	case "/models":
		return printModelTable(s.out, s.rt.Catalog, s.svc.Selector().Selection().ModelID)
	case "/tools":
		return s.cmdTools(args)
	case "/attach":
		return s.cmdAttach(args)
	case "/detach":
		return s.cmdDetach(args)
	case "/new", "/clear", "/c":
		key, err := s.svc.Switch(ctx, s.key, "")
		if err != nil {
			return err
		}
		s.key = key
		s.printOK("new conversation")
	case "/list", "/ls":
		metas, err := s.svc.List(ctx)
		if err != nil {
			return err
		}
		fmt.Fprint(s.out, storage.FormatConversationList(filterArchived(metas, slices.Contains(args, "--archived"))))
	case "/open", "/switch":
		if len(args) == 0 {
			return ErrMissingArgument("id", "/open conv_...")
		}
		key, err := s.svc.Switch(ctx, s.key, args[0])
		if err != nil {
			return err
		}
		s.key = key
		snap, _ := s.svc.Snapshot(key)
		if snap.Conversation != nil {
			renderTranscript(s.out, snap.Conversation, s.env.Config.UI.ShowReasoning)
		}
	case "/branch":
		return s.cmdBranch(ctx, args)
	case "/edit":
		if len(args) < 2 {
			return ErrMissingArgument("text", "/edit 0 new question")
		}
		index, err := ParseIndex(args[0], "index")
		if err != nil {
			return err
		}
		text := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line[len(parts[0]):]), args[0]))
		return s.sendAndFollow(ctx, func(ctx context.Context) (string, error) {
			return s.svc.Edit(ctx, s.key, index, text)
		})
	case "/regen", "/regenerate", "/retry":
		return s.sendAndFollow(ctx, func(ctx context.Context) (string, error) {
			return s.svc.Regenerate(ctx, s.key)
		})
	case "/delete-from":
		if len(args) == 0 {
			return ErrMissingArgument("index", "/delete-from 2")
		}
		index, err := ParseIndex(args[0], "index")
		if err != nil {
			return err
		}
		if err := s.svc.DeleteFrom(ctx, s.key, index); err != nil {
			return err
		}
		s.printOK("deleted messages from %d", index)
	case "/stop":
		if !s.svc.Stop(s.key) {
			fmt.Fprintln(s.out, DimStyle.Render("nothing to stop"))
		}
	case "/pin", "/archive", "/restore", "/delete":
		return s.cmdFlag(ctx, command, args)
	case "/history":
		snap, err := s.svc.Snapshot(s.key)
		if err != nil {
			return err
		}
		if snap.Conversation == nil || len(snap.Conversation.Messages) == 0 {
			fmt.Fprintln(s.out, DimStyle.Render("no messages yet"))
			return nil
		}
		renderTranscript(s.out, snap.Conversation, s.env.Config.UI.ShowReasoning)
	case "/usage":
		fmt.Fprintln(s.out, s.svc.Usage().Summary())
	case "/status", "/s":
		s.printStatus()
	default:
		msg := fmt.Sprintf("unknown command: %s", command)
		if sug := Suggest(command, slashCommands); sug != "" {
			msg += fmt.Sprintf(" (did you mean %s?)", sug)
		} else {
			msg += " (type /help for commands)"
		}
		return errors.New(msg)
	}
	return nil
}

func (s *ChatSession) cmdModel(ctx context.Context, args []string) error {
	sel := s.svc.Selector()
	if len(args) == 0 {
		current := sel.Selection()
		if current.IsZero() {
			fmt.Fprintf(s.out, "%s none selected (default %s)\n", InfoStyle.Render("[Model]"), s.rt.defaultModel())
			return nil
		}
		fmt.Fprintf(s.out, "%s %s\n", InfoStyle.Render("[Model]"), HighlightStyle.Render(current.Info.String()))
		return nil
	}
	selection, err := sel.SelectModel(ctx, s.env.Config.UserID, args[0])
	if err != nil {
		return err
	}
	s.printOK("switched to %s", selection.ModelID)
	return nil
}

func (s *ChatSession) cmdTools(args []string) error {
	sel := s.svc.Selector()
	if len(args) == 0 {
		current := sel.Selection()
		for _, t := range s.rt.Registry.All() {
			state := DimStyle.Render("off")
			if slices.Contains(current.EnabledTools, t.Name) {
				state = SuccessStyle.Render("on")
			}
			avail := ""
			if !current.IsZero() && !t.Available(current.Info) {
				avail = WarningStyle.Render(" (not offered by this model)")
			}
			fmt.Fprintf(s.out, "  %s %s  %s%s\n", util.PadRight(t.Name, 18), state, DimStyle.Render(t.Description), avail)
		}
		return nil
	}
	if len(args) < 2 {
		return ErrMissingArgument("tool", "/tools on web-search")
	}
	switch args[0] {
	case "on", "enable":
		if sel.Selection().IsZero() {
			if fallback := s.rt.defaultModel(); fallback != "" {
				if info, ok := s.rt.Catalog.Lookup(fallback); ok {
					sel.Select(info.ID, info.Provider, info.SupportsImages())
				}
			}
		}
		if err := sel.EnableTool(args[1]); err != nil {
			return err
		}
		s.printOK("%s enabled", args[1])
	case "off", "disable":
		sel.DisableTool(args[1])
		s.printOK("%s disabled", args[1])
	default:
		return NewValidationError("action", args[0], "expected on or off")
	}
	return nil
}

func (s *ChatSession) cmdAttach(args []string) error {
	if len(args) == 0 {
		staged := s.svc.Selector().Staged()
		if len(staged) == 0 {
			fmt.Fprintln(s.out, DimStyle.Render("no files staged"))
		}
		for _, sf := range staged {
			fmt.Fprintf(s.out, "  %s %s\n", sf.File.Name, DimStyle.Render(fmt.Sprintf("(%s, %d bytes)", sf.File.MediaType, sf.File.Size())))
		}
		return nil
	}
	warnings, err := applySelection(s.svc.Selector(), "", s.rt.defaultModel(), nil, args)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		fmt.Fprintln(s.errw, WarningStyle.Render("warning: "+w))
	}
	s.printOK("%d file(s) staged", len(s.svc.Selector().Staged()))
	return nil
}

func (s *ChatSession) cmdDetach(args []string) error {
	sel := s.svc.Selector()
	if len(args) == 0 {
		sel.ReleaseAll()
		s.printOK("staged files cleared")
		return nil
	}
	for _, sf := range sel.Staged() {
		if sf.File.Name == args[0] || sf.Preview.Filename == args[0] {
			sel.Unstage(sf.Preview.URL)
			s.printOK("%s removed", args[0])
			return nil
		}
	}
	return NewValidationError("file", args[0], "not staged")
}

// cmdBranch copies the current conversation up to a message, given by
// index or id, and switches to the copy.
func (s *ChatSession) cmdBranch(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return ErrMissingArgument("message", "/branch 3")
	}
	snap, err := s.svc.Snapshot(s.key)
	if err != nil {
		return err
	}
	if snap.Conversation == nil || snap.ConversationID == "" {
		return NewValidationError("conversation", "", "nothing to branch yet")
	}
	msgID := args[0]
	if i, err := strconv.Atoi(args[0]); err == nil {
		if i < 0 || i >= len(snap.Conversation.Messages) {
			return NewValidationError("index", args[0], fmt.Sprintf("must be between 0 and %d", len(snap.Conversation.Messages)-1))
		}
		msgID = snap.Conversation.Messages[i].ID
	}

	branched, err := s.svc.Branch(ctx, snap.ConversationID, msgID)
	if err != nil {
		return err
	}
	key, err := s.svc.Switch(ctx, s.key, branched.ID)
	if err != nil {
		return err
	}
	s.key = key
	s.printOK("now on %s (%s)", branched.GetTitle(), branched.ID)
	return nil
}

// cmdFlag runs /pin, /archive, /restore and /delete against the given id or
// the current conversation.
func (s *ChatSession) cmdFlag(ctx context.Context, command string, args []string) error {
	id := ""
	if len(args) > 0 {
		id = args[0]
	} else if snap, err := s.svc.Snapshot(s.key); err == nil {
		id = snap.ConversationID
	}
	if id == "" {
		return NewValidationError("conversation", "", "no stored conversation; send a message first or pass an id")
	}

	switch command {
	case "/pin":
		if err := s.svc.TogglePin(ctx, id); err != nil {
			return err
		}
		s.printOK("pin toggled on %s", id)
	case "/archive":
		if err := s.svc.Archive(ctx, id); err != nil {
			return err
		}
		s.printOK("archived %s", id)
	case "/restore":
		if err := s.svc.Restore(ctx, id); err != nil {
			return err
		}
		s.printOK("restored %s", id)
	case "/delete":
		current := id == s.currentConversationID()
		if err := s.svc.Delete(ctx, id); err != nil {
			return err
		}
		if current {
			key, err := s.svc.Switch(ctx, s.key, "")
			if err != nil {
				return err
			}
			s.key = key
		}
		s.printOK("deleted %s", id)
	}
	return nil
}

func (s *ChatSession) currentConversationID() string {
	snap, _ := s.svc.Snapshot(s.key)
	return snap.ConversationID
}

// =============================================================================
// DISPLAY FUNCTIONS
// =============================================================================

func (s *ChatSession) printWelcome() {
	w := s.out
	fmt.Fprintln(w)
	fmt.Fprintln(w, TitleStyle.Render("prepchat interactive chat"))
	fmt.Fprintln(w, RenderSeparator(30))

	modelID := s.svc.Selector().Selection().ModelID
	if modelID == "" {
		modelID = s.rt.defaultModel() + DimStyle.Render(" (default)")
	}
	fmt.Fprintln(w, RenderField("Model:", modelID))
	if s.rt.Offline() {
		fmt.Fprintln(w, RenderField("Mode:", WarningStyle.Render("offline (echo)")))
	} else {
		fmt.Fprintln(w, RenderField("Mode:", "OpenRouter"))
	}
	if snap, err := s.svc.Snapshot(s.key); err == nil && snap.Conversation != nil && snap.ConversationID != "" {
		fmt.Fprintln(w, RenderField("Conversation:", snap.Conversation.GetTitle()))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, InfoStyle.Render("Type your message and press Enter. Commands: /help, /quit"))
	fmt.Fprintln(w)
}

func (s *ChatSession) printHelp() {
	w := s.out
	fmt.Fprintln(w)
	fmt.Fprintln(w, SectionStyle.Render("Available Commands"))
	fmt.Fprintln(w, RenderSeparator(20))

	commands := []struct {
		cmd  string
		desc string
	}{
		{"/help", "Show this help"},
		{"/model [id]", "Show or switch the model"},
		{"/models", "List models"},
		{"/tools [on|off N]", "List or toggle provider tools"},
		{"/attach [path...]", "Stage files for the next message"},
		{"/detach [name]", "Drop staged files"},
		{"/new", "Start a new conversation"},
		{"/list [--archived]", "List conversations"},
		{"/open ID", "Switch to a conversation"},
		{"/branch N", "Branch from message N"},
		{"/edit N TEXT", "Replace message N and resend"},
		{"/regen", "Regenerate the last response"},
		{"/delete-from N", "Delete message N onward"},
		{"/pin /archive", "Flag the current conversation"},
		{"/restore /delete", "Restore or delete a conversation"},
		{"/history", "Show this conversation"},
		{"/usage", "Show token and cost usage"},
		{"/status", "Show session status"},
		{"/quit", "Exit chat"},
	}
	for _, c := range commands {
		fmt.Fprintf(w, "  %s  %s\n", HighlightStyle.Render(util.PadRight(c.cmd, 20)), DimStyle.Render(c.desc))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, DimStyle.Render("Tip: Ctrl+C stops a response, Ctrl+D exits"))
	fmt.Fprintln(w)
}

func (s *ChatSession) printStatus() {
	w := s.out
	snap, _ := s.svc.Snapshot(s.key)
	sel := s.svc.Selector().Selection()

	fmt.Fprintln(w, SectionStyle.Render("Session"))
	fmt.Fprintln(w, RenderField("User:", s.env.Config.UserID))
	if snap.ConversationID != "" {
		fmt.Fprintln(w, RenderField("Conversation:", snap.ConversationID))
	} else {
		fmt.Fprintln(w, RenderField("Conversation:", DimStyle.Render("draft")))
	}
	fmt.Fprintln(w, RenderField("Phase:", RenderStatus(string(snap.Phase))))
	if snap.Conversation != nil {
		fmt.Fprintln(w, RenderField("Messages:", strconv.Itoa(len(snap.Conversation.Messages))))
	}
	if n := len(snap.Unsynced); n > 0 {
		fmt.Fprintln(w, RenderField("Unsaved:", WarningStyle.Render(strconv.Itoa(n))))
	}
	if sel.IsZero() {
		fmt.Fprintln(w, RenderField("Model:", s.rt.defaultModel()+DimStyle.Render(" (default)")))
	} else {
		fmt.Fprintln(w, RenderField("Model:", sel.ModelID))
	}
	if len(sel.EnabledTools) > 0 {
		fmt.Fprintln(w, RenderField("Tools:", strings.Join(sel.EnabledTools, ", ")))
	}
	if staged := s.svc.Selector().Staged(); len(staged) > 0 {
		fmt.Fprintln(w, RenderField("Staged files:", strconv.Itoa(len(staged))))
	}
	fmt.Fprintln(w, RenderField("Elapsed:", time.Since(s.start).Round(time.Second).String()))
	fmt.Fprintln(w, RenderField("Usage:", s.svc.Usage().Summary()))
}

func (s *ChatSession) printExitSummary() {
	if s.env.Args.Quiet {
		return
	}
	u := s.svc.Usage().Snapshot()
	if u.TotalResponses == 0 {
		return
	}
	fmt.Fprintln(s.errw, DimStyle.Render(fmt.Sprintf("%d responses, %s in %s",
		u.TotalResponses, util.FormatCost(u.CostUSD), formatDurationShort(time.Since(s.start)))))
}

// =============================================================================
// HELPERS
// =============================================================================

// filterArchived keeps archived conversations only when archived is set,
// and active ones otherwise.
func filterArchived(metas []storage.ConversationMeta, archived bool) []storage.ConversationMeta {
	out := metas[:0:0]
	for _, m := range metas {
		if m.Archived == archived {
			out = append(out, m)
		}
	}
	return out
}
