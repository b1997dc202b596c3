package cmd

import (
	"errors"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
)

// errNoTerminal is returned by prompts that have no safe default when
// prompting is disabled.
var errNoTerminal = errors.New("cannot prompt: stdin is not a terminal or --no-input is set")

// errPromptCancelled is returned when the user aborts a prompt with Ctrl+C.
var errPromptCancelled = errors.New("cancelled")

// noInput is the --no-input flag.
var noInput bool

// stdinIsTerminal is swapped out in tests.
var stdinIsTerminal = func() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// canPrompt reports whether huh forms may be shown.
func canPrompt() bool {
	return !noInput && stdinIsTerminal()
}

func runField(field huh.Field) error {
	err := huh.NewForm(huh.NewGroup(field)).WithShowHelp(true).Run()
	if errors.Is(err, huh.ErrUserAborted) {
		return errPromptCancelled
	}
	return err
}

// promptString asks for a line of text. Enter, or running without a
// terminal, yields defaultVal.
func promptString(title, description, defaultVal string) (string, error) {
	if !canPrompt() {
		return defaultVal, nil
	}
	var value string
	inp := huh.NewInput().Title(title).Value(&value)
	if description != "" {
		inp = inp.Description(description)
	}
	if defaultVal != "" {
		inp = inp.Placeholder(defaultVal)
	}
	if err := runField(inp); err != nil {
		return "", err
	}
	if value == "" {
		return defaultVal, nil
	}
	return value, nil
}

// promptPassword asks for a secret with hidden echo. Secrets have no
// default, so it fails without a terminal.
func promptPassword(title, description string) (string, error) {
	if !canPrompt() {
		return "", errNoTerminal
	}
	var value string
	inp := huh.NewInput().Title(title).EchoMode(huh.EchoModePassword).Value(&value)
	if description != "" {
		inp = inp.Description(description)
	}
	if err := runField(inp); err != nil {
		return "", err
	}
	return value, nil
}

// filterThreshold enables type-to-filter above this many options.
const filterThreshold = 5

// promptSelect picks one option. Without a terminal the option at
// defaultIdx is returned.
func promptSelect[T comparable](title string, options []SelectOption[T], defaultIdx int) (T, error) {
	var zero T
	if len(options) == 0 {
		return zero, errors.New("no options to choose from")
	}
	if defaultIdx < 0 || defaultIdx >= len(options) {
		defaultIdx = 0
	}
	if !canPrompt() {
		return options[defaultIdx].Value, nil
	}

	huhOpts := make([]huh.Option[T], len(options))
	for i, opt := range options {
		huhOpts[i] = huh.NewOption(opt.Label, opt.Value)
	}
	huhOpts[defaultIdx] = huhOpts[defaultIdx].Selected(true)

	var value T
	sel := huh.NewSelect[T]().Title(title).Options(huhOpts...).Value(&value)
	if len(options) > filterThreshold {
		sel = sel.Filtering(true)
	}
	if err := runField(sel); err != nil {
		return zero, err
	}
	return value, nil
}

// promptConfirm asks a yes/no question. It is used before destructive
// actions, so without a terminal it fails instead of assuming an answer.
func promptConfirm(title string, defaultYes bool) (bool, error) {
	if !canPrompt() {
		return false, errNoTerminal
	}
	value := defaultYes
	c := huh.NewConfirm().Title(title).Affirmative("Yes").Negative("No").Value(&value)
	if err := runField(c); err != nil {
		return false, err
	}
	return value, nil
}

// SelectOption is one choice in promptSelect.
type SelectOption[T any] struct {
	Label string
	Value T
}
