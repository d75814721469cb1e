package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/vitalvas/mqterm"
	"github.com/vitalvas/mqterm/extensions/rpc"
)

func runExec(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("exec", stderr)
	configPath := fs.String("config", "", "configuration file")
	timeout := fs.Duration("timeout", 0, "request timeout, overrides rpc.timeout")
	upload := fs.String("upload", "", "file streamed as the request body")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() < 2 {
		fmt.Fprintln(stderr, "exec: expected <prefix> <command> [args...]")
		return errUsage
	}
	prefix := strings.TrimSuffix(fs.Arg(0), "/")
	command := strings.Join(fs.Args()[1:], " ")

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *timeout > 0 {
		cfg.RPC.Timeout = *timeout
	}

	req := &rpc.Request{Payload: []byte(command)}
	if *upload != "" {
		f, err := os.Open(*upload)
		if err != nil {
			return err
		}
		defer f.Close()
		req.Body = f
	}

	log := cfg.Client.Logger(stderr)
	opts, err := cfg.Client.Options()
	if err != nil {
		return err
	}
	client, err := mqterm.DialContext(ctx, append(opts, mqterm.WithLogger(log))...)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Disconnect(dctx)
	}()

	mux, err := rpc.New(client, &rpc.Options{
		Prefix:         cfg.RPC.Prefix,
		Timeout:        cfg.RPC.Timeout,
		MaxPayloadSize: cfg.RPC.MaxPayloadSize,
		Logger:         log,
	})
	if err != nil {
		return err
	}

	resp, err := mux.Call(ctx, prefix+"/tty/in", req)
	if remote := (*rpc.RemoteError)(nil); errors.As(err, &remote) {
		color.New(color.FgRed).Fprintln(stderr, remote.Message)
		return fmt.Errorf("%s: command failed", command)
	}
	if err != nil {
		return err
	}

	_, err = stdout.Write(resp.Payload)
	if err == nil && len(resp.Payload) > 0 && resp.Payload[len(resp.Payload)-1] != '\n' {
		_, err = io.WriteString(stdout, "\n")
	}
	return err
}
