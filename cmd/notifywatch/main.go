// Command notifywatch follows one user's notifications the way a browser tab
// does: it keeps the unread badge and the recent list in sync over REST and
// the WebSocket gateway, and prints every change.
//
// Lines typed on stdin drive the optimistic actions:
//
//	read <id>     mark one notification read
//	delete <id>   delete one notification
//	readall       mark everything read
//	refresh       refetch count and list
//	quit
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-notification-backend/internal/clientsync"
	"github.com/tbourn/go-notification-backend/internal/sysutil"
)

type options struct {
	Server   string        `short:"s" long:"server" env:"NOTIFY_SERVER" default:"http://localhost:8080" description:"Server origin"`
	BasePath string        `long:"base-path" env:"API_BASE_PATH" default:"/api/v1" description:"REST prefix"`
	User     string        `short:"u" long:"user" env:"NOTIFY_USER" required:"true" description:"User id to follow"`
	Actor    string        `long:"actor" env:"NOTIFY_ACTOR" description:"X-User-ID sent with requests (defaults to --user)"`
	Recent   int           `short:"n" long:"recent" default:"5" description:"Recent items to keep"`
	Poll     time.Duration `long:"poll" default:"30s" description:"Unread count poll interval"`
	PongWait time.Duration `long:"pong-wait" default:"60s" description:"Reconnect when the gateway is silent this long"`
	LogLevel string        `short:"l" long:"loglevel" env:"LOG_LEVEL" default:"info" description:"debug, info, warn or error"`
	Pretty   string        `long:"pretty" env:"LOG_PRETTY" default:"true" description:"Human readable logs"`
}

func main() {
	var opts options
	if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}
	pretty := sysutil.IsTruthy(opts.Pretty)
	color.NoColor = color.NoColor || !pretty
	sysutil.ConfigureLogging(opts.LogLevel, pretty, nil)

	wsURL, err := gatewayURL(opts.Server)
	if err != nil {
		log.Fatal().Err(err).Str("server", opts.Server).Msg("bad server url")
	}

	api := clientsync.NewClient(strings.TrimRight(opts.Server, "/")+opts.BasePath, sysutil.FirstNonEmpty(opts.Actor, opts.User))
	push := &clientsync.PushClient{URL: wsURL, UserID: opts.User, PongWait: opts.PongWait}
	ctrl := clientsync.NewController(opts.User, api, push)
	ctrl.PollInterval = opts.Poll
	ctrl.SetCapacity(opts.Recent)

	sub := ctrl.Subscribe(printState)
	defer sub.Unsubscribe()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("initial load failed, waiting for the next poll")
	}
	defer ctrl.Stop()

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				<-ctx.Done()
				return
			}
			if quit := command(ctx, ctrl, line); quit {
				return
			}
		}
	}
}

func command(ctx context.Context, ctrl *clientsync.Controller, line string) (quit bool) {
	f := strings.Fields(line)
	if len(f) == 0 {
		return false
	}
	var err error
	switch f[0] {
	case "read", "delete":
		if len(f) != 2 {
			fmt.Println("usage:", f[0], "<id>")
			return false
		}
		id, perr := strconv.ParseInt(f[1], 10, 64)
		if perr != nil || id < 1 {
			fmt.Println("bad id:", f[1])
			return false
		}
		if f[0] == "read" {
			err = ctrl.MarkRead(ctx, id)
		} else {
			err = ctrl.Delete(ctx, id)
		}
	case "readall":
		err = ctrl.MarkAllRead(ctx)
	case "refresh":
		err = ctrl.Refresh(ctx)
	case "dismiss":
		ctrl.DismissNotice()
	case "quit", "exit":
		return true
	default:
		fmt.Println("commands: read <id> | delete <id> | readall | refresh | dismiss | quit")
	}
	if err != nil {
		log.Warn().Err(err).Str("cmd", f[0]).Msg("request failed")
	}
	return false
}

var (
	live    = color.New(color.FgGreen, color.Bold)
	offline = color.New(color.FgRed, color.Bold)
	unread  = color.New(color.FgYellow)
	warn    = color.New(color.FgRed)
)

func printState(s clientsync.State) {
	status := offline.Sprint("offline")
	if s.Connected {
		status = live.Sprint("live")
	}
	fmt.Printf("[%s] unread=%d pending=%d\n", status, s.UnreadCount, s.Pending())
	for _, n := range s.Recent {
		mark := " "
		if n.IsUnread() {
			mark = unread.Sprint("*")
		}
		fmt.Printf("  %s #%d %-8s %s\n", mark, n.ID, n.Type, n.Title)
	}
	if s.Notice != "" {
		warn.Println("  !", s.Notice)
	}
}

// gatewayURL turns an http(s) origin into the ws(s) gateway address.
func gatewayURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	return u.String(), nil
}
