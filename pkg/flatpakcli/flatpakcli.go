// Package flatpakcli is a store.Installation over a flatpak installation directory. Reads
// come straight from the on-disk layout; changes go through the flatpak and ostree
// command line tools.
package flatpakcli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/thepwagner/appcenter/pkg/store"
	"github.com/thepwagner/appcenter/pkg/storeerr"
)

// Runner executes a command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, env []string, name string, args ...string) ([]byte, error)
}

// CommandError is a command that exited unsuccessfully.
type CommandError struct {
	Command string
	Stderr  string
	Err     error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Command, msg)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Log *slog.Logger
}

func (r ExecRunner) Run(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log := r.Log
	if log == nil {
		log = slog.Default()
	}
	start := time.Now()
	err := cmd.Run()
	log.Debug("executed command", slog.String("cmd", cmd.String()), slog.Duration("duration", time.Since(start)), slog.Any("error", err))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &CommandError{Command: name + " " + strings.Join(args, " "), Stderr: stderr.String(), Err: err}
	}
	return stdout.Bytes(), nil
}

type Config struct {
	// ID names the installation; defaults to "user" or "system".
	ID   string
	Path string
	User bool
	// Arch defaults to the flatpak name of the running architecture.
	Arch   string
	Runner Runner
	Log    *slog.Logger
}

type Installation struct {
	id     string
	path   string
	user   bool
	arch   string
	runner Runner
	log    *slog.Logger

	remoteInfo *expirable.LRU[string, *remoteInfo]
}

var _ store.Installation = (*Installation)(nil)

func New(cfg Config) *Installation {
	if cfg.ID == "" {
		cfg.ID = "system"
		if cfg.User {
			cfg.ID = "user"
		}
	}
	if cfg.Arch == "" {
		cfg.Arch = defaultArch(runtime.GOARCH)
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner{Log: cfg.Log}
	}
	return &Installation{
		id:         cfg.ID,
		path:       cfg.Path,
		user:       cfg.User,
		arch:       cfg.Arch,
		runner:     cfg.Runner,
		log:        cfg.Log.With(slog.String("installation", cfg.ID)),
		remoteInfo: expirable.NewLRU[string, *remoteInfo](512, nil, 10*time.Minute),
	}
}

func defaultArch(goarch string) string {
	switch goarch {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	case "386":
		return "i386"
	default:
		return goarch
	}
}

func (i *Installation) ID() string          { return i.id }
func (i *Installation) Path() string        { return i.path }
func (i *Installation) IsUser() bool        { return i.user }
func (i *Installation) DefaultArch() string { return i.arch }

// flatpak runs the flatpak CLI against this installation.
func (i *Installation) flatpak(ctx context.Context, args ...string) ([]byte, error) {
	env := []string{"FLATPAK_SYSTEM_DIR=" + i.path}
	scope := "--system"
	if i.user {
		env = []string{"FLATPAK_USER_DIR=" + i.path}
		scope = "--user"
	}
	out, err := i.runner.Run(ctx, env, "flatpak", append([]string{scope}, args...)...)
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// classify turns CLI failures into store errors by their message.
func classify(err error) error {
	var ce *CommandError
	if !errors.As(err, &ce) {
		return err
	}
	msg := strings.TrimSpace(ce.Stderr)
	msg = strings.TrimPrefix(msg, "error: ")
	if msg == "" {
		msg = ce.Error()
	}
	lower := strings.ToLower(msg)

	code := store.ErrFailed
	domain := store.DomainFlatpak
	switch {
	case strings.Contains(lower, "gpg"), strings.Contains(lower, "signature"):
		domain = store.DomainGPG
		code = store.ErrUntrusted
	case strings.Contains(lower, "no space left"), strings.Contains(lower, "min-free-space"):
		code = store.ErrOutOfSpace
	case strings.Contains(lower, "already installed"):
		code = store.ErrAlreadyInstalled
	case strings.Contains(lower, "requires the runtime"):
		code = store.ErrRuntimeNotFound
	case strings.Contains(lower, "not installed"):
		code = store.ErrNotInstalled
	case strings.Contains(lower, "remote") && strings.Contains(lower, "not found"):
		code = store.ErrRemoteNotFound
	case strings.Contains(lower, "nothing matches"), strings.Contains(lower, "not found"), strings.Contains(lower, "no such ref"):
		code = store.ErrRefNotFound
	case strings.Contains(lower, "skipping"):
		code = store.ErrSkipped
	case strings.Contains(lower, "permission denied"), strings.Contains(lower, "not allowed"):
		code = store.ErrPermissionDenied
	case strings.Contains(lower, "invalid"):
		code = store.ErrInvalidData
	case strings.Contains(lower, "newer version of flatpak"):
		code = store.ErrNeedNewFlatpak
	}
	return &store.Error{Domain: domain, Code: code, Message: msg}
}

// LoadBundle is unsupported: bundle headers are only readable through libflatpak.
func (i *Installation) LoadBundle(_ context.Context, path string) (*store.BundleRef, error) {
	return nil, storeerr.New(storeerr.KindNotSupported, "reading bundle %s is not supported by the flatpak CLI store", path)
}

func (i *Installation) DropCaches() error {
	i.remoteInfo.Purge()
	return nil
}

// Prune removes objects no longer referenced by any ref.
func (i *Installation) Prune(ctx context.Context) error {
	_, err := i.runner.Run(ctx, nil, "ostree", "prune", "--repo="+i.repoPath(), "--refs-only")
	if err != nil {
		return classify(err)
	}
	return nil
}
