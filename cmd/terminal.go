package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"metrochat/events"
	"metrochat/network"
	"metrochat/transfer"
)

// chatClient is the part of chat.Service the terminal drives.
type chatClient interface {
	SendText(text string) error
	SendFile(path string) (*transfer.Handle, error)
	Connect(ctx context.Context, target string) (*network.Session, error)
	Disconnect() error
}

type lineKind int

const (
	lineText lineKind = iota
	lineSend
	lineConnect
	lineDisconnect
	lineQuit
	lineHelp
	lineEmpty
	lineUnknown
)

type line struct {
	kind lineKind
	arg  string
}

func parseLine(raw string) line {
	text := strings.TrimSpace(raw)
	if text == "" {
		return line{kind: lineEmpty}
	}
	if !strings.HasPrefix(text, "/") {
		return line{kind: lineText, arg: raw}
	}

	name, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/send":
		return line{kind: lineSend, arg: arg}
	case "/connect":
		return line{kind: lineConnect, arg: arg}
	case "/disconnect":
		return line{kind: lineDisconnect}
	case "/quit", "/exit":
		return line{kind: lineQuit}
	case "/help":
		return line{kind: lineHelp}
	default:
		return line{kind: lineUnknown, arg: name}
	}
}

// terminal renders events and turns input lines into chat operations.
type terminal struct {
	client chatClient

	mu   sync.Mutex
	out  io.Writer
	bars map[string]*progressbar.ProgressBar
}

func newTerminal(client chatClient, out io.Writer) *terminal {
	return &terminal{
		client: client,
		out:    out,
		bars:   make(map[string]*progressbar.ProgressBar),
	}
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

// handle runs on the dispatcher goroutine.
func (t *terminal) handle(event events.Event) {
	switch event.Type {
	case events.PeerConnected:
		t.printf("* connected to %s\n", event.Peer.Addr())
	case events.PeerDisconnected:
		if event.Err != nil {
			t.printf("* %s disconnected: %v\n", event.Peer.Addr(), event.Err)
			return
		}
		t.printf("* %s disconnected\n", event.Peer.Addr())
	case events.TextReceived:
		t.printf("%s> %s\n", event.Peer.Addr(), event.Text)
	case events.ProtocolError:
		t.printf("! %v\n", event.Err)
	case events.TransferStarted:
		t.startBar(event.Transfer)
	case events.TransferProgress:
		t.advanceBar(event.Transfer)
	case events.TransferComplete:
		t.finishBar(event.Transfer)
		if event.Transfer.Direction == events.DirectionReceive {
			t.printf("* received %s (%d bytes) saved to %s\n", event.Transfer.Name, event.Transfer.Size, event.Transfer.Path)
			return
		}
		t.printf("* sent %s (%d bytes)\n", event.Transfer.Name, event.Transfer.Size)
	case events.TransferFailed:
		t.dropBar(event.Transfer)
		t.printf("! transfer of %s failed after %d of %d bytes: %v\n",
			event.Transfer.Name, event.Transfer.Bytes, event.Transfer.Size, event.Err)
	}
}

func (t *terminal) startBar(tr *events.Transfer) {
	if tr == nil || tr.Size <= 0 {
		return
	}
	verb := "receiving"
	if tr.Direction == events.DirectionSend {
		verb = "sending"
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.bars[tr.ID] = progressbar.NewOptions64(tr.Size,
		progressbar.OptionSetWriter(t.out),
		progressbar.OptionSetDescription(verb+" "+tr.Name),
		progressbar.OptionShowBytes(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(t.out)
		}),
	)
}

func (t *terminal) advanceBar(tr *events.Transfer) {
	if tr == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if bar, ok := t.bars[tr.ID]; ok {
		_ = bar.Set64(tr.Bytes)
	}
}

func (t *terminal) finishBar(tr *events.Transfer) {
	if tr == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if bar, ok := t.bars[tr.ID]; ok {
		_ = bar.Finish()
		delete(t.bars, tr.ID)
	}
}

func (t *terminal) dropBar(tr *events.Transfer) {
	if tr == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if bar, ok := t.bars[tr.ID]; ok {
		_ = bar.Exit()
		fmt.Fprintln(t.out)
		delete(t.bars, tr.ID)
	}
}

// run reads lines from in until /quit, end of input or ctx is done.
func (t *terminal) run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case raw := <-lines:
			if quit := t.exec(ctx, parseLine(raw)); quit {
				return nil
			}
		}
	}
}

func (t *terminal) exec(ctx context.Context, l line) bool {
	switch l.kind {
	case lineQuit:
		return true
	case lineEmpty:
	case lineHelp:
		t.printf("commands: /send <path>, /connect <name|host:port>, /disconnect, /quit\n")
	case lineUnknown:
		t.printf("! unknown command %s\n", l.arg)
	case lineText:
		if err := t.client.SendText(l.arg); err != nil {
			t.report(err)
		}
	case lineSend:
		if l.arg == "" {
			t.printf("! usage: /send <path>\n")
			return false
		}
		if _, err := t.client.SendFile(l.arg); err != nil {
			t.report(err)
		}
	case lineConnect:
		if l.arg == "" {
			t.printf("! usage: /connect <name|host:port>\n")
			return false
		}
		if _, err := t.client.Connect(ctx, l.arg); err != nil {
			t.report(err)
		}
	case lineDisconnect:
		if err := t.client.Disconnect(); err != nil {
			t.report(err)
		}
	}
	return false
}

func (t *terminal) report(err error) {
	switch {
	case errors.Is(err, network.ErrNoActiveSession):
		t.printf("! not connected; use /connect <name|host:port>\n")
	case errors.Is(err, transfer.ErrTransferAlreadyInProgress):
		t.printf("! a file is already being sent\n")
	default:
		t.printf("! %v\n", err)
	}
}
