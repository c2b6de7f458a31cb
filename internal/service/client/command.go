package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	api "github.com/oshokin/torchd/internal/api/grpc/torch"
	"github.com/oshokin/torchd/internal/config"
	domain "github.com/oshokin/torchd/internal/domain/torch"
	"github.com/oshokin/torchd/internal/journal"
	"github.com/oshokin/torchd/internal/logger"
	"github.com/oshokin/torchd/internal/service/common"
)

// Action is a torchctl verb.
type Action string

const (
	// ActionOn turns the torch on at the preferred intensity.
	ActionOn Action = "on"
	// ActionOff turns the torch off.
	ActionOff Action = "off"
	// ActionSet applies Options.Intensity.
	ActionSet Action = "set"
	// ActionToggle flips the torch.
	ActionToggle Action = "toggle"
	// ActionStatus prints the current state.
	ActionStatus Action = "status"
	// ActionRefresh retries discovery.
	ActionRefresh Action = "refresh"
	// ActionKeepAlive stores Options.KeepAlive.
	ActionKeepAlive Action = "keep-alive"
	// ActionHistory prints recent journal entries.
	ActionHistory Action = "history"
	// ActionWatch prints events until interrupted.
	ActionWatch Action = "watch"
)

// Options configures one torchctl invocation.
type Options struct {
	// ConfigPath to YAML settings file; a missing file means defaults.
	ConfigPath string
	// ServerAddress overrides server address from config when specified.
	ServerAddress string
	// Action selects the verb.
	Action Action
	// Intensity is used by ActionSet.
	Intensity int
	// KeepAlive is used by ActionKeepAlive.
	KeepAlive bool
	// Limit bounds ActionHistory; zero means the server default.
	Limit uint32
	// Wait retries while torchd is unreachable instead of failing at once.
	Wait bool
	// Output receives the printed result. Defaults to stdout.
	Output io.Writer
}

// retryInterval is the delay between attempts when Options.Wait is set.
const retryInterval = time.Second

// ErrUnknownAction is returned for an unsupported verb.
var ErrUnknownAction = errors.New("unknown action")

// torchAPI is the part of common.Client torchctl uses.
type torchAPI interface {
	SetIntensity(ctx context.Context, intensity int) (domain.Snapshot, error)
	State(ctx context.Context) (domain.Snapshot, error)
	Refresh(ctx context.Context) (domain.Snapshot, error)
	SetKeepAlive(ctx context.Context, keepAlive bool) (domain.Snapshot, error)
	History(ctx context.Context, limit uint32) ([]journal.Entry, error)
	Watch(ctx context.Context, name string, fn func(api.Event) error) error
}

// Run connects to torchd and performs the requested action.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "torchctl")

	cfg, err := config.LoadOrDefault(opts.ConfigPath)
	if err != nil {
		return err
	}

	serverAddress := cfg.ServerAddress
	if opts.ServerAddress != "" {
		serverAddress = opts.ServerAddress
	}

	actor, err := common.DetectActor()
	if err != nil {
		return err
	}

	client, err := common.Dial(ctx, serverAddress,
		common.WithCallTimeout(cfg.Timeout),
		common.WithActor(actor))
	if err != nil {
		return err
	}

	defer func() {
		_ = client.Close()
	}()

	logger.DebugKV(ctx, "Running action", "server_address", serverAddress, "action", opts.Action, "actor", actor)

	return execute(ctx, client, actor, opts)
}

// execute performs opts.Action against c and prints the result.
//
//nolint:cyclop // One branch per verb.
func execute(ctx context.Context, c torchAPI, actor string, opts *Options) error {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	var (
		snapshot domain.Snapshot
		err      error
	)

	switch opts.Action {
	case ActionOn:
		snapshot, err = retry(ctx, opts.Wait, func() (domain.Snapshot, error) {
			return c.SetIntensity(ctx, domain.UnknownIntensity)
		})
	case ActionOff:
		snapshot, err = retry(ctx, opts.Wait, func() (domain.Snapshot, error) { return c.SetIntensity(ctx, 0) })
	case ActionSet:
		snapshot, err = retry(ctx, opts.Wait, func() (domain.Snapshot, error) { return c.SetIntensity(ctx, opts.Intensity) })
	case ActionToggle:
		snapshot, err = retry(ctx, opts.Wait, func() (domain.Snapshot, error) { return toggle(ctx, c) })
	case ActionStatus:
		snapshot, err = retry(ctx, opts.Wait, func() (domain.Snapshot, error) { return c.State(ctx) })
	case ActionRefresh:
		snapshot, err = retry(ctx, opts.Wait, func() (domain.Snapshot, error) { return c.Refresh(ctx) })
	case ActionKeepAlive:
		snapshot, err = retry(ctx, opts.Wait, func() (domain.Snapshot, error) { return c.SetKeepAlive(ctx, opts.KeepAlive) })
	case ActionHistory:
		return printHistory(ctx, c, opts.Limit, out)
	case ActionWatch:
		return c.Watch(ctx, "torchctl:"+actor, func(e api.Event) error {
			_, writeErr := fmt.Fprintln(out, FormatEvent(e))

			return writeErr
		})
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, opts.Action)
	}

	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(out, FormatSnapshot(snapshot))

	return err
}

// toggle turns the torch off when it is on, otherwise on at the preferred intensity.
func toggle(ctx context.Context, c torchAPI) (domain.Snapshot, error) {
	snapshot, err := c.State(ctx)
	if err != nil {
		return domain.Snapshot{}, err
	}

	if snapshot.IsOn() {
		return c.SetIntensity(ctx, 0)
	}

	return c.SetIntensity(ctx, domain.UnknownIntensity)
}

// retry calls fn once, or until torchd is reachable when wait is set.
func retry(ctx context.Context, wait bool, fn func() (domain.Snapshot, error)) (domain.Snapshot, error) {
	snapshot, err := fn()
	if !wait || status.Code(err) != codes.Unavailable {
		return snapshot, err
	}

	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		logger.WarnKV(ctx, "torchd is unavailable, retrying", "error", err)

		select {
		case <-ctx.Done():
			return domain.Snapshot{}, ctx.Err()
		case <-ticker.C:
		}

		snapshot, err = fn()
		if status.Code(err) != codes.Unavailable {
			return snapshot, err
		}
	}
}

func printHistory(ctx context.Context, c torchAPI, limit uint32, out io.Writer) error {
	entries, err := c.History(ctx, limit)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if _, err = fmt.Fprintln(out, FormatEntry(e)); err != nil {
			return err
		}
	}

	return nil
}

// FormatSnapshot renders a snapshot as one human-readable line.
func FormatSnapshot(s domain.Snapshot) string {
	if !s.Discovered() {
		return "no torch available"
	}

	power := "off"
	if s.IsOn() {
		power = "on"
	}

	keepAlive := "off"
	if s.KeepAlive {
		keepAlive = "on"
	}

	primary := s.Primary
	if primary == "" {
		primary = "<none>"
	}

	return fmt.Sprintf("%s %d/%d (%s, %s) primary=%s additional=%d keep-alive=%s",
		power, s.Current, s.Max, s.ResourceID, s.State, primary, s.AdditionalOwners, keepAlive)
}

// FormatEvent renders a watch event.
func FormatEvent(e api.Event) string {
	at := e.At.Local().Format(time.TimeOnly)

	switch e.Type {
	case api.EventState:
		return fmt.Sprintf("%s state %d/%d", at, e.Current, e.Max)
	case api.EventError:
		return fmt.Sprintf("%s error %s recoverable=%t", at, e.Error, e.Error.Recoverable())
	case api.EventOwner:
		return fmt.Sprintf("%s owner needed=%t foreground=%t", at, e.NeedResource, e.NeedForeground)
	default:
		return fmt.Sprintf("%s %s", at, e.Type)
	}
}

// FormatEntry renders a journal entry.
func FormatEntry(e journal.Entry) string {
	return fmt.Sprintf("#%d %s", e.ID, FormatEvent(api.Event{
		Type:           api.EventType(e.Kind),
		At:             e.At,
		Current:        e.Current,
		Max:            e.Max,
		Error:          e.Error,
		NeedResource:   e.NeedResource,
		NeedForeground: e.NeedForeground,
	}))
}
