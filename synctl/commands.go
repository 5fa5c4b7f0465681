package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"

	"sync-scheduler/pkg/rpc"
	"sync-scheduler/pkg/scheduler"
)

const callTimeout = 5 * time.Second

func rpcURL() string {
	return "ws://" + addr + "/rpc"
}

func dial(ctx context.Context, onConn func(rpc.ConnectivityNotification)) (*rpc.Client, error) {
	dctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	return rpc.Dial(dctx, rpcURL(), onConn)
}

func parseParams(args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q, want key=value", a)
		}
		params[k] = v
	}
	return params, nil
}

func trigger(c *cli.Context) error {
	params, err := parseParams(c.Args())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	client, err := dial(ctx, nil)
	if err != nil {
		return err
	}
	defer client.Close()

	res, err := client.Trigger(ctx, params)
	if err != nil {
		return err
	}
	fmt.Println(res)
	return nil
}

func status(c *cli.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	client, err := dial(ctx, nil)
	if err != nil {
		return err
	}
	defer client.Close()

	st, err := client.Status(ctx)
	if err != nil {
		return err
	}
	printStatus(c.App.Writer, st)
	return nil
}

func printStatus(w io.Writer, st scheduler.Status) {
	fmt.Fprintf(w, "connectivity: %s since %s\n", st.Connectivity.State, formatTime(st.Connectivity.LastTransitionAt))
	if !st.NextPeriodicRun.IsZero() {
		fmt.Fprintf(w, "next periodic run: %s\n", formatTime(st.NextPeriodicRun))
	}
	if len(st.Deferred) > 0 {
		fmt.Fprintf(w, "deferred: %s\n", strings.Join(st.Deferred, ", "))
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tKIND\tSTATE\tRETRIES\tLAST OUTCOME\tBACKOFF UNTIL")
	for _, it := range st.Items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			it.Name, it.Kind, it.State, it.RetryCount, it.LastOutcome, formatTime(it.BackoffUntil))
	}
	tw.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func watch(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := dial(ctx, func(n rpc.ConnectivityNotification) {
		fmt.Fprintf(c.App.Writer, "%s %s\n", formatTime(n.At), n.State)
	})
	if err != nil {
		return err
	}
	defer client.Close()

	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	cur, err := client.Connectivity(cctx)
	cancel()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s %s (current)\n", formatTime(cur.LastTransitionAt), cur.State)

	if watchReports {
		closeMQ, err := consumeReports(ctx, c.App.Writer)
		if err != nil {
			return err
		}
		defer closeMQ()
	}

	<-ctx.Done()
	fmt.Fprintln(os.Stderr, "stopped")
	return nil
}
