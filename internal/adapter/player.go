package adapter

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
)

// ErrNoPlayer is returned when no configured or known player can be started.
var ErrNoPlayer = errors.New("no media player found")

// Process seams, replaced in tests.
var (
	lookPath = exec.LookPath
	startCmd = func(name string, args ...string) error {
		return exec.Command(name, args...).Start()
	}
)

// knownPlayers lists players tried in order per platform when none is configured.
var knownPlayers = map[string][]string{
	"darwin":  {"iina", "mpv", "vlc"},
	"linux":   {"mpv", "celluloid", "haruna", "vlc"},
	"windows": {"vlc", "mpv", "PotPlayerMini64.exe"},
}

// Player opens cached media files in an external player.
type Player struct {
	command string
	args    []string
	goos    string
	logger  *slog.Logger
}

// NewPlayer returns a player for cfg. A nil logger uses the default.
func NewPlayer(cfg PlayerConfig, logger *slog.Logger) *Player {
	if logger == nil {
		logger = slog.Default()
	}
	return &Player{
		command: cfg.Command,
		args:    cfg.Args,
		goos:    runtime.GOOS,
		logger:  logger,
	}
}

// Play starts a player on path and returns once it is launched.
// The configured command wins; otherwise the first installed known player is
// used, then the system opener.
func (p *Player) Play(path string) error {
	if p.command != "" {
		args := append(append([]string{}, p.args...), path)
		p.logger.Info("launching player", "command", p.command, "args", args)
		if err := startCmd(p.command, args...); err != nil {
			return fmt.Errorf("failed to start %s: %w", p.command, err)
		}
		return nil
	}

	candidates, ok := knownPlayers[p.goos]
	if !ok {
		candidates = knownPlayers["linux"]
	}
	for _, name := range candidates {
		bin, err := lookPath(name)
		if err != nil {
			p.logger.Debug("player not installed", "player", name)
			continue
		}
		if err := startCmd(bin, path); err != nil {
			p.logger.Debug("player failed to start", "player", name, "error", err)
			continue
		}
		p.logger.Info("launched with detected player", "player", name)
		return nil
	}

	return p.playDefault(path)
}

// playDefault hands path to the system opener.
func (p *Player) playDefault(path string) error {
	var name string
	var args []string
	switch p.goos {
	case "darwin":
		name, args = "open", []string{path}
	case "windows":
		name, args = "cmd", []string{"/c", "start", "", path}
	default:
		name, args = "xdg-open", []string{path}
	}

	p.logger.Info("launching with system default", "os", p.goos)
	if err := startCmd(name, args...); err != nil {
		return fmt.Errorf("%w: %v", ErrNoPlayer, err)
	}
	return nil
}
