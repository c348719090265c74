package paste

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/atotto/clipboard"
	"github.com/mattn/go-shellwords"
	"github.com/micmonay/keybd_event"
)

// SystemClipboard is the OS clipboard.
type SystemClipboard struct{}

func (SystemClipboard) ReadAll() (string, error)   { return clipboard.ReadAll() }
func (SystemClipboard) WriteAll(text string) error { return clipboard.WriteAll(text) }

// KeystrokePaster sends Ctrl+V (Cmd+V on macOS) through a virtual keyboard.
type KeystrokePaster struct {
	once sync.Once
	kb   keybd_event.KeyBonding
	err  error
}

func (k *KeystrokePaster) Paste(ctx context.Context) error {
	k.once.Do(func() {
		k.kb, k.err = keybd_event.NewKeyBonding()
		if k.err == nil && runtime.GOOS == "linux" {
			// uinput devices need a moment before the first event is delivered.
			time.Sleep(2 * time.Second)
		}
	})
	if k.err != nil {
		return fmt.Errorf("keyboard init: %w", k.err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	k.kb.Clear()
	if runtime.GOOS == "darwin" {
		k.kb.HasSuper(true)
	} else {
		k.kb.HasCTRL(true)
	}
	k.kb.SetKeys(keybd_event.VK_V)
	return k.kb.Launching()
}

// CommandPaster runs a configured command, e.g. "xdotool key ctrl+v".
type CommandPaster struct {
	args []string
}

func NewCommandPaster(command string) (*CommandPaster, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse paste command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("paste command is empty")
	}
	return &CommandPaster{args: args}, nil
}

func (c *CommandPaster) Paste(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.args[0], c.args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("paste command failed: %w: %s", err, stderr.String())
	}
	return nil
}
