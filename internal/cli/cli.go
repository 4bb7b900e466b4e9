// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/jeranaias/prepchat/internal/config"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.3.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdChat Command = iota
	CmdAsk
	CmdServe
	CmdList
	CmdShow
	CmdDelete
	CmdPin
	CmdArchive
	CmdRestore
	CmdBranch
	CmdModels
	CmdConfig
	CmdStatus
	CmdVersion
	CmdHelp
)

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	JSON    bool
	Quiet   bool
	Verbose bool
	Offline bool
	Model   string
	User    string

	// ConfigPath loads this file instead of ~/.prepchat/config.toml
	ConfigPath string

	// Raw holds the arguments after the command name, global flags removed
	Raw []string
}

const usageText = `prepchat - streaming chat over OpenRouter models

Usage:
  prepchat                         Start an interactive chat (default)
  prepchat chat [id]               Interactive chat, optionally resuming a conversation
  prepchat ask "question"          Ask a single question and stream the answer
  prepchat serve                   Run the HTTP API
  prepchat list [--archived]       List conversations
  prepchat show <id>               Print a conversation
  prepchat delete <id> [--confirm] Delete a conversation
  prepchat pin <id>                Toggle the pinned flag
  prepchat archive <id>            Archive a conversation
  prepchat restore <id>            Restore an archived conversation
  prepchat branch <id> <msg-id>    Copy a conversation up to a message
  prepchat models [--refresh]      List available models
  prepchat config [show|get|set|path|keys]
  prepchat status                  Show configuration and storage status
  prepchat version                 Show version information

Ask flags:
  -m, --model ID          Model to use for this question only
  -f, --file PATH         Attach a file (repeatable)
  -t, --tool NAME         Enable a provider tool: web-search, code-interpreter
  -c, --conversation ID   Continue an existing conversation
  --interview ID          Link a new conversation to an interview
  --learning-path ID      Link a new conversation to a learning path

Serve flags:
  --addr HOST:PORT        Listen address (default from config)

Global flags:
  --json                  Machine-readable output
  -q, --quiet             Minimal output
  -v, --verbose           Debug logging
  --offline               Use the offline echo transport
  --user ID               Act as this user (default from config)
  --config PATH           Use this config file
  --model ID              Default model for this run

Environment:
  OPENROUTER_API_KEY, PREPCHAT_OPENROUTER_KEY   Provider key
  PREPCHAT_HOME                                 Config directory (default ~/.prepchat)
  NO_COLOR                                      Disable colors

Version: %s
`

// PrintUsage prints the usage/help text.
func PrintUsage(w io.Writer) {
	fmt.Fprintf(w, usageText, Version)
}

// PrintVersion prints version information.
func PrintVersion(w io.Writer, jsonMode bool) error {
	if jsonMode {
		return NewJSONResponse("version", VersionData{
			Version:   Version,
			GitCommit: GitCommit,
			BuildDate: BuildDate,
			GoVersion: runtime.Version(),
		}).Write(w)
	}
	fmt.Fprintf(w, "prepchat version %s\n", Version)
	fmt.Fprintf(w, "  Git commit: %s\n", GitCommit)
	fmt.Fprintf(w, "  Build date: %s\n", BuildDate)
	fmt.Fprintf(w, "  Go:         %s\n", runtime.Version())
	return nil
}

// =============================================================================
// PARSING
// =============================================================================

// Parse splits argv (without the program name) into a command and its
// arguments. Global flags may appear anywhere.
func Parse(argv []string) (Command, Args, error) {
	remaining, args, err := parseGlobalFlags(argv)
	if err != nil {
		return CmdHelp, args, err
	}
	if len(remaining) == 0 {
		return CmdChat, args, nil
	}

	name := strings.ToLower(remaining[0])
	args.Raw = remaining[1:]

	switch name {
	case "chat":
		return CmdChat, args, nil
	case "ask":
		return CmdAsk, args, nil
	case "serve", "server":
		return CmdServe, args, nil
	case "list", "ls":
		return CmdList, args, nil
	case "show":
		return CmdShow, args, nil
	case "delete", "rm":
		return CmdDelete, args, nil
	case "pin":
		return CmdPin, args, nil
	case "archive":
		return CmdArchive, args, nil
	case "restore":
		return CmdRestore, args, nil
	case "branch":
		return CmdBranch, args, nil
	case "models":
		return CmdModels, args, nil
	case "config":
		return CmdConfig, args, nil
	case "status", "s":
		return CmdStatus, args, nil
	case "version", "--version":
		return CmdVersion, args, nil
	case "help", "-h", "--help":
		return CmdHelp, args, nil
	}

	verr := &ValidationError{Field: "command", Value: name, Reason: "unknown command"}
	if s := SuggestCommand(name); s != "" {
		verr.Example = "prepchat " + s
	}
	return CmdHelp, args, verr
}

// parseGlobalFlags removes global flags from argv.
func parseGlobalFlags(argv []string) ([]string, Args, error) {
	var (
		args      Args
		remaining []string
	)
	takeValue := func(i int, name string) (string, error) {
		if i+1 >= len(argv) {
			return "", ErrMissingArgument(name, "--"+name+" VALUE")
		}
		return argv[i+1], nil
	}

	for i := 0; i < len(argv); i++ {
		arg := argv[i]
		name, value, inline := strings.Cut(arg, "=")

		var target *string
		switch name {
		case "--json":
			args.JSON = true
			continue
		case "-q", "--quiet":
			args.Quiet = true
			continue
		case "-v", "--verbose":
			args.Verbose = true
			continue
		case "--offline":
			args.Offline = true
			continue
		case "--user":
			target = &args.User
		case "--config":
			target = &args.ConfigPath
		case "--model":
			target = &args.Model
		default:
			remaining = append(remaining, arg)
			continue
		}

		if !inline {
			v, err := takeValue(i, strings.TrimLeft(name, "-"))
			if err != nil {
				return nil, args, err
			}
			value = v
			i++
		}
		*target = value
	}
	return remaining, args, nil
}

// =============================================================================
// ENVIRONMENT
// =============================================================================

// Env is what every command handler runs against: the loaded config, the
// output streams and a lazily built Runtime.
type Env struct {
	Config *config.Config
	Logger *slog.Logger
	Args   Args

	In  io.Reader
	Out io.Writer
	Err io.Writer

	mu      sync.Mutex
	runtime *Runtime
}

// NewEnv applies the global flags to cfg and returns an Env on the
// process's standard streams.
func NewEnv(cfg *config.Config, logger *slog.Logger, args Args) *Env {
	if args.Offline {
		cfg.Cloud.Offline = true
	}
	if args.Model != "" {
		cfg.DefaultModel = args.Model
	}
	if args.User != "" {
		cfg.UserID = args.User
	}
	ApplyTheme(cfg.UI.Theme)
	return &Env{
		Config: cfg,
		Logger: logger,
		Args:   args,
		In:     os.Stdin,
		Out:    os.Stdout,
		Err:    os.Stderr,
	}
}

// Runtime builds the runtime on first use.
func (e *Env) Runtime() (*Runtime, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runtime != nil {
		return e.runtime, nil
	}
	rt, err := NewRuntime(e.Config, e.Logger)
	if err != nil {
		return nil, err
	}
	e.runtime = rt
	return rt, nil
}

// Close releases the runtime if one was built.
func (e *Env) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runtime == nil {
		return nil
	}
	err := e.runtime.Close()
	e.runtime = nil
	return err
}

// status writes a human-facing line to stderr unless quiet or JSON mode
// asked for silence.
func (e *Env) status(format string, a ...any) {
	if e.Args.Quiet || e.Args.JSON {
		return
	}
	fmt.Fprintf(e.Err, format+"\n", a...)
}
