package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/exec"
	"time"
)

// Services is the set of host backends capability calls are dispatched to.
// The sandbox handle checks grants; Services performs the real work.
// Implementations must be safe for use by multiple handles.
type Services interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte, perm fs.FileMode) error
	HTTPDo(req *http.Request) (*http.Response, error)
	Spawn(ctx context.Context, name string, args ...string) ([]byte, error)
	ReadClipboard(ctx context.Context) (string, error)
	WriteClipboard(ctx context.Context, text string) error
	Notify(ctx context.Context, title, body string) error
}

// OSServices implements Services against the local machine: filesystem,
// a shared HTTP client, subprocesses, and the desktop clipboard and
// notification tools.
type OSServices struct {
	httpClient   *http.Client
	clipboardGet []string
	clipboardSet []string
	notifyTool   string
}

// NewOSServices creates host backends with sane defaults
func NewOSServices() *OSServices {
	return &OSServices{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		clipboardGet: []string{"xclip", "-selection", "clipboard", "-o"},
		clipboardSet: []string{"xclip", "-selection", "clipboard"},
		notifyTool:   "notify-send",
	}
}

func (s *OSServices) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

func (s *OSServices) WriteFile(ctx context.Context, path string, data []byte, perm fs.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.WriteFile(path, data, perm)
}

func (s *OSServices) HTTPDo(req *http.Request) (*http.Response, error) {
	return s.httpClient.Do(req)
}

func (s *OSServices) Spawn(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), fmt.Errorf("command %s failed: %w: %s", name, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

func (s *OSServices) ReadClipboard(ctx context.Context) (string, error) {
	if len(s.clipboardGet) == 0 {
		return "", ErrNoBackend
	}
	out, err := s.Spawn(ctx, s.clipboardGet[0], s.clipboardGet[1:]...)
	if err != nil {
		return "", fmt.Errorf("clipboard read failed: %w", err)
	}
	return string(out), nil
}

func (s *OSServices) WriteClipboard(ctx context.Context, text string) error {
	if len(s.clipboardSet) == 0 {
		return ErrNoBackend
	}
	cmd := exec.CommandContext(ctx, s.clipboardSet[0], s.clipboardSet[1:]...)
	cmd.Stdin = bytes.NewBufferString(text)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("clipboard write failed: %w", err)
	}
	return nil
}

func (s *OSServices) Notify(ctx context.Context, title, body string) error {
	if s.notifyTool == "" {
		return ErrNoBackend
	}
	if _, err := s.Spawn(ctx, s.notifyTool, title, body); err != nil {
		return fmt.Errorf("notification dispatch failed: %w", err)
	}
	return nil
}
