package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"

	"teleconsult/native/internal/call"
	"teleconsult/native/internal/config"
	"teleconsult/native/internal/domain"
	"teleconsult/native/internal/history"
	"teleconsult/native/internal/listener"
)

// stateFeed forwards state notices to a channel without blocking the
// controller. Excess notices are dropped.
func stateFeed(size int) (call.Observer, <-chan call.Notice) {
	ch := make(chan call.Notice, size)
	return call.ObserverFunc(func(n call.Notice) {
		if n.Kind != call.NoticeState {
			return
		}
		select {
		case ch <- n:
		default:
		}
	}), ch
}

func runCall(ctx context.Context, cfg *config.Config, l zerolog.Logger, args []string) error {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	typ := fs.String("type", "audio", "call type: audio or video")
	hold := fs.Duration("for", 0, "hang up this long after connecting (0 = until interrupted)")
	usage(fs, "call [options] <conversation> <remote-user>")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return errors.New("call needs <conversation> and <remote-user>")
	}
	conv, remote := fs.Arg(0), fs.Arg(1)
	callType, err := domain.ParseCallType(*typ)
	if err != nil {
		return err
	}
	log := logFor(l, "call")

	a, err := newApp(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer a.Close()

	transcript := &call.Recorder{}
	feed, states := stateFeed(64)
	reg := a.registry(remote, transcript, feed)
	defer reg.Close()

	c, err := reg.Mount(conv)
	if err != nil {
		return err
	}
	if err := c.StartCall(ctx, callType); err != nil {
		return fmt.Errorf("start call: %w", err)
	}
	fmt.Printf("calling %s (%s) in %s\n", remote, callType, conv)

	var hangup <-chan time.Time
	begun := false
	for done := false; !done; {
		select {
		case <-ctx.Done():
			if err := c.EndCall(context.Background()); err != nil && !errors.Is(err, domain.ErrNoActiveCall) {
				log.Warn().Err(err).Msg("end call")
			}
			done = true

		case <-hangup:
			hangup = nil
			if err := c.EndCall(ctx); err != nil && !errors.Is(err, domain.ErrNoActiveCall) {
				log.Warn().Err(err).Msg("end call")
			}

		case n := <-states:
			switch n.Snapshot.Status {
			case domain.StatusCalling:
				begun = true
			case domain.StatusConnected:
				begun = true
				if hangup == nil && *hold > 0 {
					hangup = time.After(*hold)
				}
				fmt.Printf("connected (ice %s)\n", n.Snapshot.ConnectionState)
			case domain.StatusEnded:
				fmt.Printf("call ended after %ds\n", n.Snapshot.Duration)
			case domain.StatusIdle:
				done = begun
			}
		}
	}

	log.Info().Interface("statuses", transcript.Statuses()).Msg("call finished")
	return nil
}

func runListen(ctx context.Context, cfg *config.Config, l zerolog.Logger, args []string) error {
	fs := flag.NewFlagSet("listen", flag.ContinueOnError)
	autoAccept := fs.Bool("auto-accept", false, "answer every incoming call without asking")
	usage(fs, "listen [options]")
	if err := fs.Parse(args); err != nil {
		return err
	}
	log := logFor(l, "listen")

	a, err := newApp(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer a.Close()

	incoming := make(chan string, 8)
	offer := func(conv string) {
		select {
		case incoming <- conv:
		default:
			log.Warn().Str("conversation", conv).Msg("incoming call dropped, prompt busy")
		}
	}

	// Offers on a conversation that is already mounted arrive through its
	// controller rather than the wake topic.
	reg := a.registry("", call.ObserverFunc(func(n call.Notice) {
		if n.Kind == call.NoticeState && n.Detail == "incoming" && n.Snapshot.Incoming != nil {
			offer(n.ConversationID)
		}
	}))
	defer reg.Close()

	lst, err := listener.Start(a.broker, a.handoffs, func(pc domain.PendingIncomingCall) {
		if _, err := reg.Mount(pc.ConversationID); err != nil {
			log.Error().Err(err).Str("conversation", pc.ConversationID).Msg("mount failed")
			return
		}
		offer(pc.ConversationID)
	}, listener.Options{
		SelfID:           cfg.UserID,
		ResubscribeDelay: cfg.ResubscribeDelay,
		Mounted: func(conv string) bool {
			_, ok := reg.Get(conv)
			return ok
		},
		Logger: l,
	})
	if err != nil {
		return err
	}
	defer lst.Close()

	fmt.Printf("listening for calls to %s\n", cfg.UserID)
	in := bufio.NewReader(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			return nil
		case conv := <-incoming:
			c, ok := reg.Get(conv)
			if !ok {
				continue
			}
			pc := c.Snapshot().Incoming
			if pc == nil {
				continue
			}
			fmt.Printf("incoming %s call from %s (%s) in %s\n", pc.CallType, pc.CallerName, pc.CallerID, conv)

			accept := *autoAccept
			if !accept {
				if accept, err = confirm(ctx, in, "accept? [y/N] "); err != nil {
					return nil
				}
			}
			if accept {
				err = c.AcceptCall(ctx)
			} else {
				err = c.RejectCall(ctx)
			}
			if err != nil {
				log.Warn().Err(err).Str("conversation", conv).Bool("accept", accept).Msg("answer failed")
			}
		}
	}
}

// confirm asks q on stdout and reads one line. It returns ctx.Err() when ctx
// ends first.
func confirm(ctx context.Context, r *bufio.Reader, q string) (bool, error) {
	fmt.Print(q)
	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := r.ReadString('\n')
		ch <- answer{line, err}
	}()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case a := <-ch:
		if a.err != nil && !errors.Is(a.err, io.EOF) {
			return false, a.err
		}
		return strings.EqualFold(strings.TrimSpace(a.line), "y"), nil
	}
}

func runHistory(ctx context.Context, cfg *config.Config, l zerolog.Logger, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "maximum rows")
	asJSON := fs.Bool("json", false, "print rows as JSON lines")
	usage(fs, "history [options] <conversation>")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("history needs <conversation>")
	}

	store, err := history.Open(cfg.HistoryDB, l)
	if err != nil {
		return err
	}
	defer store.Close()

	rows, err := store.ListByConversation(ctx, fs.Arg(0), *limit)
	if err != nil {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, r := range rows {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tCALLER\tTYPE\tSTATUS\tDURATION")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%ds\n",
			r.StartedAt.Local().Format(time.DateTime), r.CallerID, r.CallType, r.Status, r.DurationSeconds)
	}
	return tw.Flush()
}
