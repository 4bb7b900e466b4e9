// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// ConfirmationOptions controls RequireConfirmation.
type ConfirmationOptions struct {
	// ConfirmFlag is set when --confirm (or --yes) was passed
	ConfirmFlag bool
	// JSONMode disables interactive prompts
	JSONMode bool
}

// RequireConfirmation asks before a destructive action.
//
// --confirm skips the prompt. JSON mode and non-terminal stdin cannot prompt,
// so they require the flag and fail without it.
func RequireConfirmation(action string, opts ConfirmationOptions) (bool, error) {
	if opts.ConfirmFlag {
		return true, nil
	}
	if opts.JSONMode {
		return false, NewValidationError("confirm", "", "--confirm is required in JSON mode to "+action)
	}
	if err := RequiresTTY(action); err != nil {
		return false, fmt.Errorf("%w (pass --confirm)", err)
	}
	return promptYesNo(os.Stdin, os.Stdout, WarningStyle.Render("Are you sure you want to "+action+"?")), nil
}

// PromptYesNo asks a yes/no question on the terminal. It returns false when
// stdin is not a terminal.
func PromptYesNo(question string) bool {
	if !IsTTY() {
		return false
	}
	return promptYesNo(os.Stdin, os.Stdout, question)
}

func promptYesNo(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// ShowCancellationMessage prints the standard cancellation notice.
func ShowCancellationMessage() {
	fmt.Println(DimStyle.Render("Cancelled."))
}
