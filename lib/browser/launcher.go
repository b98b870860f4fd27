package browser

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"

	"github.com/onkernel/chat-bridge/lib/cdp"
)

var devtoolsListeningRegexp = regexp.MustCompile(`DevTools listening on (ws://\S+)`)

// LauncherConfig is fixed for the lifetime of the process.
type LauncherConfig struct {
	ChromiumPath string
	// BaseFlags is a space-separated flag list (CHROMIUM_FLAGS).
	BaseFlags string
	// FlagsFile is an optional JSON or YAML overlay merged on top of BaseFlags.
	FlagsFile    string
	ProfileDir   string
	ExtensionDir string
	StartTimeout time.Duration
}

// Launcher starts one Chromium process per bridged user.
type Launcher struct {
	cfg    LauncherConfig
	logger *slog.Logger
}

func NewLauncher(cfg LauncherConfig, logger *slog.Logger) *Launcher {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}
	return &Launcher{cfg: cfg, logger: logger}
}

// Args returns the Chromium argv (without the binary) for a user profile.
func (l *Launcher) Args(user string, headless bool) ([]string, error) {
	overlay, err := ReadFlagsFile(l.cfg.FlagsFile)
	if err != nil {
		return nil, fmt.Errorf("read flags file: %w", err)
	}
	if l.cfg.ExtensionDir != "" {
		overlay = append(overlay, "--load-extension="+l.cfg.ExtensionDir)
	}

	// flags we send no matter what
	args := []string{
		"--remote-debugging-port=0",
		"--remote-allow-origins=*",
		"--user-data-dir=" + l.profilePath(user),
		"--password-store=basic",
		"--no-first-run",
		"--no-default-browser-check",
	}
	if headless {
		args = append([]string{"--headless=new"}, args...)
	}
	args = append(args, MergeFlags(ParseFlags(l.cfg.BaseFlags), overlay)...)
	return append(args, "about:blank"), nil
}

func (l *Launcher) profilePath(user string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, user)
	return filepath.Join(l.cfg.ProfileDir, safe)
}

// Launch starts Chromium for user and attaches to its first tab. The returned
// Page owns the process: closing it kills the browser.
func (l *Launcher) Launch(ctx context.Context, user string, headless bool) (Page, error) {
	logger := l.logger.With("user", user)
	if err := os.MkdirAll(l.profilePath(user), 0o700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	args, err := l.Args(user, headless)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(l.cfg.ChromiumPath, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	logger.Info("starting chromium", "path", l.cfg.ChromiumPath, "headless", headless)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start chromium: %w", err)
	}

	proc := &process{cmd: cmd, exited: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(proc.exited)
	}()

	urlCh := make(chan string, 1)
	go scanDevtoolsURL(stderr, urlCh, logger)

	var wsURL string
	select {
	case wsURL = <-urlCh:
	case <-proc.exited:
		return nil, fmt.Errorf("chromium exited before DevTools came up")
	case <-time.After(l.cfg.StartTimeout):
		proc.kill()
		return nil, fmt.Errorf("devtools endpoint not found within %s", l.cfg.StartTimeout)
	case <-ctx.Done():
		proc.kill()
		return nil, ctx.Err()
	}
	logger.Info("devtools endpoint discovered", "url", wsURL)

	var client *cdp.Client
	err = retry.New(
		retry.Attempts(5),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		c, err := cdp.Dial(ctx, wsURL, logger)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		proc.kill()
		return nil, fmt.Errorf("connect to devtools: %w", err)
	}

	pg, err := cdp.Attach(ctx, client, logger)
	if err != nil {
		_ = client.Close()
		proc.kill()
		return nil, err
	}
	return &launchedPage{Page: pg, client: client, proc: proc}, nil
}

// scanDevtoolsURL forwards the first DevTools URL printed on r and drains the
// rest of the stream into debug logs.
func scanDevtoolsURL(r io.Reader, urlCh chan<- string, logger *slog.Logger) {
	found := false
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if !found {
			if m := devtoolsListeningRegexp.FindStringSubmatch(line); len(m) == 2 {
				found = true
				urlCh <- m[1]
				continue
			}
		}
		logger.Debug("chromium", "line", line)
	}
}

type process struct {
	cmd    *exec.Cmd
	exited chan struct{}
	once   sync.Once
}

func (p *process) kill() {
	p.once.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		select {
		case <-p.exited:
		case <-time.After(5 * time.Second):
		}
	})
}

type launchedPage struct {
	*cdp.Page
	client *cdp.Client
	proc   *process
	done   chan struct{}
	once   sync.Once
}

func (p *launchedPage) Done() <-chan struct{} {
	p.once.Do(func() {
		p.done = make(chan struct{})
		go func() {
			select {
			case <-p.Page.Done():
			case <-p.proc.exited:
			}
			close(p.done)
		}()
	})
	return p.done
}

func (p *launchedPage) Close() error {
	_ = p.Page.Close()
	err := p.client.Close()
	p.proc.kill()
	return err
}
