package speech

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/nextlevelbuilder/clawnode/internal/tts"
)

// DefaultPlayers are tried in order when no player command is configured.
var DefaultPlayers = []string{
	"ffplay -nodisp -autoexit -loglevel quiet {file}",
	"mpv --no-video --really-quiet {file}",
	"afplay {file}",
}

// ErrNoPlayer is returned when no usable audio player is found.
var ErrNoPlayer = errors.New("speech: no audio player found")

// CommandPlayer plays audio by writing it to a temp file and running an
// external command. "{file}" in the command is replaced by the file path,
// otherwise the path is appended.
type CommandPlayer struct {
	argv []string
}

// NewCommandPlayer parses a shell-style command line.
func NewCommandPlayer(command string) (*CommandPlayer, error) {
	argv, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse player command: %w", err)
	}
	if len(argv) == 0 {
		return nil, ErrNoPlayer
	}
	return &CommandPlayer{argv: argv}, nil
}

// DetectPlayer returns the configured player, or the first default whose
// binary is on PATH.
func DetectPlayer(command string) (*CommandPlayer, error) {
	if strings.TrimSpace(command) != "" {
		return NewCommandPlayer(command)
	}
	for _, c := range DefaultPlayers {
		p, err := NewCommandPlayer(c)
		if err != nil {
			continue
		}
		if _, err := exec.LookPath(p.argv[0]); err == nil {
			return p, nil
		}
	}
	return nil, ErrNoPlayer
}

// Binary returns the executable name.
func (p *CommandPlayer) Binary() string { return p.argv[0] }

func (p *CommandPlayer) args(path string) []string {
	args := make([]string, 0, len(p.argv))
	replaced := false
	for _, a := range p.argv[1:] {
		if strings.Contains(a, "{file}") {
			a = strings.ReplaceAll(a, "{file}", path)
			replaced = true
		}
		args = append(args, a)
	}
	if !replaced {
		args = append(args, path)
	}
	return args
}

// Play blocks until the player exits or ctx is cancelled.
func (p *CommandPlayer) Play(ctx context.Context, audio *tts.SynthResult) error {
	ext := audio.Extension
	if ext == "" {
		ext = "mp3"
	}
	f, err := os.CreateTemp("", "clawnode-play-*."+ext)
	if err != nil {
		return err
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.Write(audio.Audio); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, p.argv[0], p.args(path)...)
	if out, err := cmd.CombinedOutput(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w (output: %s)", p.argv[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}
