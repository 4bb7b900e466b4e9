// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config.go - Config command implementation for prepchat.
//
// Command: config [subcommand]
// Short:   View and modify configuration
//
// Subcommands:
//   show (default)      Display the effective configuration
//   get <key>           Print one value
//   set <key> <value>   Set a value in the config file
//   reset [--confirm]   Reset the config file to defaults
//   keys                List settable keys
//   path                Show the config file path
//
// Examples:
//   prepchat config
//   prepchat config get server.addr
//   prepchat config set default_model openai/gpt-4o-mini
//   prepchat config set cloud.openrouter_key sk-or-xxx
//   prepchat config set storage.backend json
//   prepchat config set ui.theme light
//
// Values set here are written to the file only; environment overrides
// (OPENROUTER_API_KEY and friends) still win at load time.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/jeranaias/prepchat/internal/config"
)

// ConfigValue is the --json form of config get and set.
type ConfigValue struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
	Path  string `json:"path,omitempty"`
}

// HandleConfig handles the "config" command.
func HandleConfig(env *Env) error {
	p := NewArgParser(env.Args.Raw, "confirm")
	switch sub := p.Subcommand(); sub {
	case "", "show":
		return configShow(env)
	case "get":
		key := p.Positional(1)
		if key == "" {
			return ErrMissingArgument("key", "prepchat config get server.addr")
		}
		return configGet(env, key)
	case "set":
		key, value := p.Positional(1), strings.Join(p.PositionalFrom(2), " ")
		if key == "" || p.PositionalCount() < 3 {
			return ErrMissingArgument("value", "prepchat config set ui.theme light")
		}
		return configSet(env, key, value)
	case "reset":
		return configReset(env, p.BoolFlag("confirm"))
	case "keys":
		return configKeys(env)
	case "path":
		path, err := configFilePath(env)
		if err != nil {
			return err
		}
		if env.Args.JSON {
			return NewJSONResponse("config path", map[string]string{"path": path}).Write(env.Out)
		}
		fmt.Fprintln(env.Out, path)
		return nil
	default:
		verr := &ValidationError{Field: "subcommand", Value: sub, Reason: "unknown config subcommand"}
		if s := Suggest(sub, []string{"show", "get", "set", "reset", "keys", "path"}); s != "" {
			verr.Example = "prepchat config " + s
		}
		return verr
	}
}

// configFilePath is --config when given, else the default TOML path.
func configFilePath(env *Env) (string, error) {
	if env.Args.ConfigPath != "" {
		return env.Args.ConfigPath, nil
	}
	return config.ConfigPathTOML()
}

func configShow(env *Env) error {
	if env.Args.JSON {
		// Round-trip through String so the key stays redacted.
		return NewJSONResponse("config show", json.RawMessage(env.Config.String())).Write(env.Out)
	}

	c := env.Config
	w := env.Out
	section := func(name string) { fmt.Fprintln(w, SectionStyle.Render(name)) }

	fmt.Fprintln(w, TitleStyle.Render("prepchat configuration"))
	fmt.Fprintln(w, RenderField("user_id", c.UserID))
	fmt.Fprintln(w, RenderField("default_model", orDash(c.DefaultModel)))

	section("Cloud")
	fmt.Fprintln(w, RenderField("openrouter_key", maskKey(c.Cloud.OpenRouterKey)))
	fmt.Fprintln(w, RenderField("base_url", orDash(c.Cloud.BaseURL)))
	fmt.Fprintln(w, RenderField("timeout_secs", fmt.Sprint(c.Cloud.TimeoutSecs)))
	fmt.Fprintln(w, RenderField("refresh_catalog", fmt.Sprint(c.Cloud.RefreshCatalog)))
	fmt.Fprintln(w, RenderField("offline", fmt.Sprint(c.Cloud.Offline)))

	section("Storage")
	fmt.Fprintln(w, RenderField("backend", c.Storage.Backend))
	dir, _ := c.DataDir()
	fmt.Fprintln(w, RenderField("dir", dir))

	section("Session")
	fmt.Fprintln(w, RenderField("persist_timeout", fmt.Sprintf("%ds", c.Session.PersistTimeoutSecs)))
	fmt.Fprintln(w, RenderField("title_timeout", fmt.Sprintf("%ds", c.Session.TitleTimeoutSecs)))
	fmt.Fprintln(w, RenderField("idle_timeout", fmt.Sprintf("%dm", c.Session.IdleTimeoutMins)))

	section("Server")
	fmt.Fprintln(w, RenderField("addr", c.Server.Addr))
	fmt.Fprintln(w, RenderField("allowed_origins", orDash(strings.Join(c.Server.AllowedOrigins, ", "))))
	fmt.Fprintln(w, RenderField("rate_limit", fmt.Sprintf("%.1f/s burst %d", c.Server.RateLimitRPS, c.Server.RateLimitBurst)))

	section("Logging")
	fmt.Fprintln(w, RenderField("level", c.Logging.Level))
	fmt.Fprintln(w, RenderField("format", c.Logging.Format))
	fmt.Fprintln(w, RenderField("file", orDash(c.Logging.File)))

	section("UI")
	fmt.Fprintln(w, RenderField("theme", c.UI.Theme))
	fmt.Fprintln(w, RenderField("show_cost", fmt.Sprint(c.UI.ShowCost)))
	fmt.Fprintln(w, RenderField("show_tokens", fmt.Sprint(c.UI.ShowTokens)))
	fmt.Fprintln(w, RenderField("show_reasoning", fmt.Sprint(c.UI.ShowReasoning)))

	if path, err := configFilePath(env); err == nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, DimStyle.Render("Config file: "+path))
	}
	return nil
}

func configGet(env *Env, key string) error {
	v, err := env.Config.Get(key)
	if err != nil {
		return NewValidationError("key", key, err.Error())
	}
	if isSecretKey(key) {
		v = maskKey(fmt.Sprint(v))
	}
	if env.Args.JSON {
		return NewJSONResponse("config get", ConfigValue{Key: key, Value: v}).Write(env.Out)
	}
	fmt.Fprintln(env.Out, formatValue(v))
	return nil
}

// configSet edits the file itself. The in-memory config carries
// environment and flag overrides that must not be written back.
func configSet(env *Env, key, value string) error {
	path, err := configFilePath(env)
	if err != nil {
		return err
	}
	cfg, err := loadFileOnly(path)
	if err != nil {
		return err
	}
	if err := cfg.Set(key, value); err != nil {
		return NewValidationError("key", key, err.Error())
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.SaveTOML(cfg, path); err != nil {
		return err
	}

	shown := any(value)
	if isSecretKey(key) {
		shown = maskKey(value)
	}
	if env.Args.JSON {
		return NewJSONResponse("config set", ConfigValue{Key: key, Value: shown, Path: path}).Write(env.Out)
	}
	fmt.Fprintf(env.Out, "%s %s = %v\n", SuccessStyle.Render("[OK]"), key, shown)
	return nil
}

func configReset(env *Env, confirmed bool) error {
	ok, err := RequireConfirmation("reset the config file to defaults", ConfirmationOptions{
		ConfirmFlag: confirmed,
		JSONMode:    env.Args.JSON,
	})
	if err != nil {
		return err
	}
	if !ok {
		ShowCancellationMessage()
		return nil
	}
	path, err := configFilePath(env)
	if err != nil {
		return err
	}
	if err := config.SaveTOML(config.Default(), path); err != nil {
		return err
	}
	if env.Args.JSON {
		return NewJSONResponse("config reset", map[string]string{"path": path}).Write(env.Out)
	}
	fmt.Fprintf(env.Out, "%s configuration reset (%s)\n", SuccessStyle.Render("[OK]"), path)
	return nil
}

func configKeys(env *Env) error {
	keys := config.GetAllKeys()
	sort.Strings(keys)
	if env.Args.JSON {
		return NewJSONResponse("config keys", keys).Write(env.Out)
	}
	for _, k := range keys {
		fmt.Fprintln(env.Out, k)
	}
	return nil
}

// loadFileOnly reads path over the defaults without environment
// overrides. A missing file yields the defaults.
func loadFileOnly(path string) (*config.Config, error) {
	cfg := config.Default()
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}
	var err error
	if strings.HasSuffix(path, ".json") {
		err = config.LoadJSON(cfg, path)
	} else {
		err = config.LoadTOML(cfg, path)
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func isSecretKey(key string) bool {
	k := strings.ToLower(key)
	return strings.Contains(k, "key") || strings.Contains(k, "secret") || strings.Contains(k, "token")
}

// maskKey keeps the first and last four characters of a key.
func maskKey(key string) string {
	switch {
	case key == "":
		return DimStyle.Render("(not set)")
	case len(key) <= 12:
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatValue(v any) string {
	if list, ok := v.([]string); ok {
		return strings.Join(list, ",")
	}
	return fmt.Sprint(v)
}
