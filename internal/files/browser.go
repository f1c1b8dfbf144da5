package files

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/DNSGeek/mmbasic-link/internal/channel"
)

// Timing holds the waits used by file operations. Zero fields take the
// defaults from DefaultTiming.
type Timing struct {
	ListTimeout     time.Duration
	DownloadTimeout time.Duration
	SettleDelay     time.Duration
	SaveDelay       time.Duration
}

// DefaultTiming returns the waits used when a Timing field is zero.
func DefaultTiming() Timing {
	return Timing{
		ListTimeout:     3 * time.Second,
		DownloadTimeout: 5 * time.Second,
		SettleDelay:     100 * time.Millisecond,
		SaveDelay:       500 * time.Millisecond,
	}
}

func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.ListTimeout <= 0 {
		t.ListTimeout = d.ListTimeout
	}
	if t.DownloadTimeout <= 0 {
		t.DownloadTimeout = d.DownloadTimeout
	}
	if t.SettleDelay <= 0 {
		t.SettleDelay = d.SettleDelay
	}
	if t.SaveDelay <= 0 {
		t.SaveDelay = d.SaveDelay
	}
	return t
}

// Browser performs file operations on the device over ch.
type Browser struct {
	ch     *channel.Channel
	timing Timing
}

// NewBrowser returns a Browser for the device on ch.
func NewBrowser(ch *channel.Channel, t Timing) *Browser {
	return &Browser{ch: ch, timing: t.withDefaults()}
}

// Roots returns the device drives.
func Roots() []Entry {
	return []Entry{
		{Name: "A:", IsDir: true},
		{Name: "B:", IsDir: true},
	}
}

func quoted(name string) (string, error) {
	if strings.TrimSpace(name) == "" || strings.Contains(name, `"`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return `"` + name + `"`, nil
}

// ListDirectory lists path, e.g. "A:" or "A:/LOGS". The listing is best
// effort: entries parsed before a timeout are returned without error.
func (b *Browser) ListDirectory(ctx context.Context, path string) ([]Entry, error) {
	arg, err := quoted(path)
	if err != nil {
		return nil, err
	}
	entries, err := channel.Request(ctx, b.ch, "FILES "+arg, &ListingParser{}, b.timing.ListTimeout)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	return entries, nil
}

// DownloadFile returns the text of a device file.
func (b *Browser) DownloadFile(ctx context.Context, name string) (string, error) {
	arg, err := quoted(name)
	if err != nil {
		return "", err
	}
	content, err := channel.Request(ctx, b.ch, "LIST "+arg, &ContentParser{}, b.timing.DownloadTimeout)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", name, err)
	}
	return content, nil
}

// DownloadToFile saves a device file to localPath.
func (b *Browser) DownloadToFile(ctx context.Context, name, localPath string) error {
	content, err := b.DownloadFile(ctx, name)
	if err != nil {
		return err
	}
	if err := os.WriteFile(localPath, []byte(content+"\n"), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", localPath, err)
	}
	log.Printf("[files] downloaded %s to %s (%d bytes)", name, localPath, len(content))
	return nil
}

// UploadFile enters content as the device's program and saves it as
// remoteName. The channel is held for the whole sequence.
func (b *Browser) UploadFile(ctx context.Context, content, remoteName string) error {
	arg, err := quoted(remoteName)
	if err != nil {
		return err
	}
	if !b.ch.IsConnected() {
		return channel.ErrNotConnected
	}

	l, err := b.ch.Acquire(ctx)
	if err != nil {
		return err
	}
	defer l.Release()

	if err := b.ch.SendCommand("NEW"); err != nil {
		return fmt.Errorf("upload %s: %w", remoteName, err)
	}
	if err := channel.Sleep(ctx, b.timing.SettleDelay); err != nil {
		return err
	}
	if err := l.SendProgram(ctx, content); err != nil {
		return fmt.Errorf("upload %s: %w", remoteName, err)
	}
	if err := channel.Sleep(ctx, b.timing.SettleDelay); err != nil {
		return err
	}
	if _, err := channel.Await(ctx, l, "SAVE "+arg, &errorWatch{}, b.timing.SaveDelay); err != nil {
		return fmt.Errorf("save %s: %w", remoteName, err)
	}
	log.Printf("[files] uploaded %s (%d lines)", remoteName, len(channel.ProgramLines(content)))
	return nil
}

// UploadLocalFile uploads the file at localPath. An empty remoteName uses
// the local base name.
func (b *Browser) UploadLocalFile(ctx context.Context, localPath, remoteName string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", localPath, err)
	}
	if remoteName == "" {
		remoteName = filepath.Base(localPath)
	}
	return b.UploadFile(ctx, string(data), remoteName)
}

// DeleteFile removes a device file.
func (b *Browser) DeleteFile(ctx context.Context, name string) error {
	arg, err := quoted(name)
	if err != nil {
		return err
	}
	if _, err := channel.Request(ctx, b.ch, "KILL "+arg, &errorWatch{}, b.timing.SaveDelay); err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	log.Printf("[files] deleted %s", name)
	return nil
}
