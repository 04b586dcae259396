package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"github.com/jqknono/general-settings-ui/internal/discovery"
	"github.com/jqknono/general-settings-ui/internal/jsonv"
	"github.com/jqknono/general-settings-ui/internal/protocol"
	"github.com/jqknono/general-settings-ui/internal/replica"
	"github.com/jqknono/general-settings-ui/internal/transport"
)

const version = "0.1.0"

func main() {
	usage := `Settings UI headless form.

Connects to a document owner, applies scripted form edits to a document
and prints the agreed document once every write is acknowledged.

Usage:
    settings-ui-replica edit <doc> [<edit>...] [--owner=<url>] [--token=<token>]
        [--delay=<delay>] [--timeout=<timeout>] [--v=<level>]
    settings-ui-replica search <query> [--owner=<url>] [--token=<token>] [--v=<level>]
    settings-ui-replica browse [--timeout=<timeout>] [--v=<level>]
    settings-ui-replica -h | --help
    settings-ui-replica --version

Edits:
    set:/name=alice  unset:/port  add:/servers  remove:/servers=1
    move:/servers=2,0  entry:/env=HOME  drop:/env=HOME  key:/env=HOME,USER
    variant:/output=1  schema:https://example.com/schema.json

Options:
    -h --help            Show this screen.
    --version            Show version.
    --owner=<url>        Owner address, ws://host:port. Found over mDNS when omitted.
    --token=<token>      Access token for the document.
    --delay=<delay>      Batch edits for this long before sending [default: 0s].
    --timeout=<timeout>  How long to wait for the owner [default: 10s].
    --v=<level>          Log verbosity [default: 0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		panic(err)
	}

	level, _ := opts.String("--v")
	flag.Set("logtostderr", "true")
	flag.Set("v", level)
	flag.CommandLine.Parse(nil)
	defer glog.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	timeoutStr, _ := opts.String("--timeout")
	timeout, err := time.ParseDuration(timeoutStr)
	if err != nil {
		glog.Exitf("Bad --timeout: %v", err)
	}

	if browse_, _ := opts.Bool("browse"); browse_ {
		browse(ctx, timeout)
		return
	}

	owner, _ := opts.String("--owner")
	if owner == "" {
		owner = findOwner(ctx)
	}
	token, _ := opts.String("--token")

	if search_, _ := opts.Bool("search"); search_ {
		query, _ := opts.String("<query>")
		// any document connects the session; searches do not touch it
		search(ctx, transport.DocumentURL(owner, "mem:search", token), query, timeout)
		return
	}

	doc, _ := opts.String("<doc>")
	var edits []edit
	if raw, ok := opts["<edit>"].([]string); ok {
		for _, s := range raw {
			e, err := parseEdit(s)
			if err != nil {
				glog.Exitf("%v", err)
			}
			edits = append(edits, e)
		}
	}
	delayStr, _ := opts.String("--delay")
	delay, err := time.ParseDuration(delayStr)
	if err != nil {
		glog.Exitf("Bad --delay: %v", err)
	}
	if err := run(ctx, transport.DocumentURL(owner, doc, token), edits, delay, timeout); err != nil {
		glog.Exitf("%v", err)
	}
}

func findOwner(ctx context.Context) string {
	bctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	found, err := discovery.Browse(bctx, discovery.DefaultService)
	if err != nil {
		glog.Exitf("%v", err)
	}
	if len(found) == 0 {
		glog.Exitf("No owner found on the network; pass --owner")
	}
	glog.Infof("Using owner %s at %s", found[0].Instance, found[0].Endpoint())
	return found[0].Endpoint()
}

func browse(ctx context.Context, timeout time.Duration) {
	bctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	found, err := discovery.Browse(bctx, discovery.DefaultService)
	if err != nil {
		glog.Exitf("%v", err)
	}
	for _, s := range found {
		fmt.Printf("%s\t%s\t%v\n", s.Instance, s.Endpoint(), s.Docs)
	}
}

// session dials the owner and feeds its messages to a new replica.
func session(ctx context.Context, endpoint string, opts replica.Options) (*replica.Replica, *transport.Client, error) {
	var rep *replica.Replica
	client, err := transport.Dial(ctx, endpoint, transport.ClientOptions{
		OnConnect: func() {
			// a new connection is a new owner-side session
			if rep == nil {
				return
			}
			if err := rep.Start(); err != nil {
				glog.Warningf("restart session: %v", err)
			}
		},
	})
	if err != nil {
		return nil, nil, err
	}
	rep = replica.New(client, opts)
	go func() {
		for m := range client.Messages() {
			if err := rep.Handle(m); err != nil {
				glog.Warningf("%v", err)
			}
		}
	}()
	if err := rep.Start(); err != nil {
		client.Close()
		return nil, nil, err
	}
	return rep, client, nil
}

func waitFor(ctx context.Context, timeout time.Duration, cond func() bool) error {
	deadline := time.After(timeout)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for !cond() {
		select {
		case <-tick.C:
		case <-deadline:
			return errors.New("timed out waiting for the owner")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func run(ctx context.Context, endpoint string, edits []edit, delay, timeout time.Duration) error {
	errs := make(chan string, 16)
	rep, client, err := session(ctx, endpoint, replica.Options{
		SendDelay: delay,
		OnError: func(s string) {
			select {
			case errs <- s:
			default:
			}
		},
		OnRender: func(v replica.View) { glog.V(1).Infof("render: %s", v.Reason) },
	})
	if err != nil {
		return err
	}
	defer client.Close()
	defer rep.Close()

	if err := waitFor(ctx, timeout, rep.Loaded); err != nil {
		return err
	}
	src := rep.Source()
	glog.Infof("Editing %s %s", src.URI, src.FSPath)

	for _, e := range edits {
		if err := e.apply(rep); err != nil {
			return fmt.Errorf("%s:%s: %w", e.verb, e.ptr, err)
		}
		if e.verb == "schema" {
			url := e.args[0]
			if err := waitFor(ctx, timeout, func() bool { return rep.SchemaURL() == url || len(errs) > 0 }); err != nil {
				return err
			}
		}
	}
	rep.Flush()
	if err := waitFor(ctx, timeout, func() bool { return !rep.Pending() || len(errs) > 0 }); err != nil {
		return err
	}
	if len(errs) > 0 {
		return errors.New(<-errs)
	}
	os.Stdout.Write(jsonv.Format(rep.Base(), "  "))
	fmt.Println()
	return nil
}

func search(ctx context.Context, endpoint, query string, timeout time.Duration) {
	results := make(chan []protocol.SchemaInfo, 1)
	rep, client, err := session(ctx, endpoint, replica.Options{
		OnSchemas: func(s []protocol.SchemaInfo) {
			select {
			case results <- s:
			default:
			}
		},
	})
	if err != nil {
		glog.Exitf("%v", err)
	}
	defer client.Close()
	defer rep.Close()

	if err := rep.SearchSchemas(query); err != nil {
		glog.Exitf("%v", err)
	}
	select {
	case infos := <-results:
		for _, info := range infos {
			fmt.Printf("%s\t%s\n", info.Name, info.URL)
		}
	case <-time.After(timeout):
		glog.Exitf("No answer from the owner")
	case <-ctx.Done():
	}
}
