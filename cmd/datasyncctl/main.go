// Command datasyncctl reads, writes and watches stores served by datasyncd.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/maruel/datasync/internal/auth"
	"github.com/maruel/datasync/internal/datastore"
	"github.com/maruel/datasync/internal/datasync"
	"github.com/maruel/datasync/internal/logging"
	"github.com/maruel/datasync/internal/pathutil"
	"github.com/maruel/datasync/internal/socket/wssocket"
	"github.com/maruel/datasync/internal/userroute"
)

const version = "0.1.0"

const usage = `datasync control.

Values are JSON; a value that does not parse as JSON is used as a string.

Usage:
    datasyncctl get [options] <store> [<path>]
    datasyncctl set [options] <store> <path> <value>
    datasyncctl rm [options] <store> <path>
    datasyncctl watch [options] <store> [<path>]
    datasyncctl token --secret=<secret> [--ttl=<ttl>] <user>
    datasyncctl hash-password <password>

Options:
    -h --help              Show this screen.
    --version              Show version.
    --url=<url>            Websocket url [default: ws://localhost:8080/ws].
    --user=<user>          User id of the store [default: cli].
    --token=<token>        JWT sent as connection info.
    --password=<password>  Password sent as connection info with --user.
    --info=<json>          Extra connection info as a JSON object.
    --timeout=<timeout>    How long to wait for the server [default: 10s].
    --settle=<settle>      Quiet period after which a snapshot is complete [default: 200ms].
    --log-level=<level>    Log level (debug, info, warn, error) [default: warn].
    --kind=<kind>          Changes printed by watch (update, updateChild, updateValue, updateDirect) [default: update].
    --secret=<secret>      HS256 secret of the daemon.
    --ttl=<ttl>            Token lifetime, 0 for no expiry [default: 24h].`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "datasyncctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	opts, err := docopt.ParseArgs(usage, args, version)
	if err != nil {
		return err
	}
	lvl, _ := opts.String("--log-level")
	ll := &slog.LevelVar{}
	level, err := logging.ParseLevel(lvl)
	if err != nil {
		return err
	}
	ll.Set(level)
	slog.SetDefault(logging.New(ll))

	if b, _ := opts.Bool("token"); b {
		return token(opts, out)
	}
	if b, _ := opts.Bool("hash-password"); b {
		pw, _ := opts.String("<password>")
		hash, err := auth.HashPassword(pw)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, hash)
		return err
	}

	kind := datastore.Update
	if isSet(opts, "watch") {
		k, _ := opts.String("--kind")
		if kind, err = datastore.ParseEventKind(k); err != nil {
			return err
		}
	}
	s, err := open(ctx, opts)
	if err != nil {
		return err
	}
	defer s.close()
	path, _ := opts.String("<path>")
	path = pathutil.Format(path)
	switch {
	case isSet(opts, "get"):
		return printValue(out, path, s.store.Value(path))
	case isSet(opts, "set"):
		raw, _ := opts.String("<value>")
		return s.write(ctx, path, parseValue(raw), false)
	case isSet(opts, "rm"):
		return s.write(ctx, path, nil, true)
	case isSet(opts, "watch"):
		return s.watch(ctx, path, kind, out)
	}
	return errors.New("unknown command")
}

func isSet(opts docopt.Opts, cmd string) bool {
	b, _ := opts.Bool(cmd)
	return b
}

func token(opts docopt.Opts, out io.Writer) error {
	secret, _ := opts.String("--secret")
	user, _ := opts.String("<user>")
	ttlStr, _ := opts.String("--ttl")
	ttl, err := time.ParseDuration(ttlStr)
	if err != nil {
		return fmt.Errorf("invalid --ttl: %w", err)
	}
	t, err := auth.NewToken([]byte(secret), user, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, t)
	return err
}

// parseValue decodes raw as JSON, falling back to the raw string.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func printValue(out io.Writer, path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s %s\n", path, b)
	return err
}

// session is a client bound to one store.
type session struct {
	client *datasync.Client
	store  *datastore.Store
	settle time.Duration
	done   chan error
	cancel context.CancelFunc
}

func open(ctx context.Context, opts docopt.Opts) (*session, error) {
	url, _ := opts.String("--url")
	storeID, _ := opts.String("<store>")
	userID, _ := opts.String("--user")
	info, err := connInfo(opts)
	if err != nil {
		return nil, err
	}
	timeout, err := durationOpt(opts, "--timeout")
	if err != nil {
		return nil, err
	}
	settle, err := durationOpt(opts, "--settle")
	if err != nil {
		return nil, err
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, timeout)
	defer cancelDial()
	conn, err := wssocket.Dial(dialCtx, url, nil, nil)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	s := &session{
		client: datasync.NewClient(),
		settle: settle,
		done:   make(chan error, 1),
		cancel: cancel,
	}
	s.store = s.client.Store(storeID, userID)
	s.client.SetSocket(conn)
	go func() { s.done <- conn.Run(runCtx) }()
	s.client.ConnectStore(storeID, userID, info)

	deadline := time.Now().Add(timeout)
	for s.client.BindID(storeID, userID) == "" {
		if time.Now().After(deadline) {
			s.close()
			return nil, fmt.Errorf("store %q was not granted", storeID)
		}
		select {
		case <-ctx.Done():
			s.close()
			return nil, ctx.Err()
		case err := <-s.done:
			s.done <- err
			s.close()
			return nil, fmt.Errorf("connection lost: %w", err)
		case <-time.After(10 * time.Millisecond):
		}
	}
	s.waitQuiet(ctx)
	return s, nil
}

func connInfo(opts docopt.Opts) (userroute.ConnInfo, error) {
	info := userroute.ConnInfo{}
	if raw, _ := opts.String("--info"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			return nil, fmt.Errorf("invalid --info: %w", err)
		}
	}
	if t, _ := opts.String("--token"); t != "" {
		info[auth.KeyToken] = t
	}
	if p, _ := opts.String("--password"); p != "" {
		info[auth.KeyPassword] = p
		info[auth.KeyUser], _ = opts.String("--user")
	}
	return info, nil
}

func durationOpt(opts docopt.Opts, name string) (time.Duration, error) {
	s, _ := opts.String(name)
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}

// waitQuiet returns once no write reached the store for the settle period.
func (s *session) waitQuiet(ctx context.Context) {
	touched := make(chan struct{}, 1)
	l := s.store.On(datastore.Update, pathutil.Root, func(any, string, []string) {
		select {
		case touched <- struct{}{}:
		default:
		}
	}, false)
	defer s.store.Off(l)
	for {
		select {
		case <-ctx.Done():
			return
		case <-touched:
		case <-time.After(s.settle):
			return
		}
	}
}

// write applies a local write, then reports whether the server kept it.
func (s *session) write(ctx context.Context, path string, v any, remove bool) error {
	if remove {
		s.store.Remove(path)
	} else {
		s.store.Update(path, v)
	}
	s.waitQuiet(ctx)
	if !s.store.Equal(path, v) {
		return fmt.Errorf("write to %s rejected by the server", path)
	}
	return nil
}

func (s *session) watch(ctx context.Context, path string, kind datastore.EventKind, out io.Writer) error {
	if err := printValue(out, path, s.store.Value(path)); err != nil {
		return err
	}
	l := s.store.On(kind, path, func(_ any, rel string, _ []string) {
		p := pathutil.Join(path, rel)
		if err := printValue(out, p, s.store.Value(p)); err != nil {
			slog.Warn("Failed to print", "err", err)
		}
	}, false)
	defer s.store.Off(l)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-s.done:
		s.done <- err
		return fmt.Errorf("connection lost: %w", err)
	}
}

func (s *session) close() {
	s.client.ClearSocket()
	s.cancel()
	select {
	case <-s.done:
	case <-time.After(time.Second):
	}
}
