// Command rngrpc-call performs one call through rpcmux over connect-go and
// prints every event it sees as a bridge event line:
//
//	didReceiveHeaders {"rpcId":0,"headers":{...}}
//	didReceiveResponse {"rpcId":0,"b64data":"..."}
//	didCompleteCall {"rpcId":0}
//
// Usage:
//
//	rngrpc-call -address api.example.com -path /pkg.Svc/Method -data CgVoZWxsbw==
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	_ "embed"

	"github.com/ygrpc/rngrpc/bridgewire"
	"github.com/ygrpc/rngrpc/connectbridge"
	"github.com/ygrpc/rngrpc/rpcmux"
)

//go:embed version.txt
var version string

func main() {
	if len(os.Args) == 2 && (os.Args[1] == "--version" || os.Args[1] == "-version" || os.Args[1] == "-v") {
		fmt.Fprintln(os.Stdout, strings.TrimSpace(version))
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(connectbridge.BackgroundContext(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "rngrpc-call: %v\n", err)
		os.Exit(1)
	}
}

// headerFlag collects repeated -H "Key: value" flags.
type headerFlag http.Header

func (h headerFlag) String() string { return fmt.Sprint(http.Header(h)) }

func (h headerFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, ":")
	if !ok || strings.TrimSpace(k) == "" {
		return fmt.Errorf("expect \"Key: value\", got %q", s)
	}
	http.Header(h).Add(strings.TrimSpace(k), strings.TrimSpace(v))
	return nil
}

type invocation struct {
	cfg     callConfig
	request []byte
}

func parseArgs(args []string, stdin io.Reader) (invocation, error) {
	fs := flag.NewFlagSet("rngrpc-call", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	configPath := fs.String("config", "", "TOML config file; flags override its keys")
	address := fs.String("address", "", "server address, host[:port] (port defaults to 443)")
	path := fs.String("path", "", "method path, /package.Service/Method")
	protocol := fs.String("protocol", "", "grpc, grpcweb or connectrpc (default from "+connectbridge.EnvProtocol+", else grpc)")
	timeout := fs.Duration("timeout", 0, "per-call deadline")
	cleartext := fs.Bool("cleartext", false, "use cleartext HTTP/2 instead of TLS")
	data := fs.String("data", "", "base64 request message; \"-\" reads raw bytes from stdin")
	headers := make(headerFlag)
	fs.Var(headers, "H", "request header \"Key: value\" (repeatable)")

	if err := fs.Parse(args); err != nil {
		return invocation{}, err
	}

	cfg := defaultCallConfig()
	if *configPath != "" {
		loaded, err := loadCallConfig(*configPath, cfg)
		if err != nil {
			return invocation{}, err
		}
		cfg = loaded
	}

	var err error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "address":
			cfg.Address = strings.TrimSpace(*address)
		case "path":
			cfg.Path = strings.TrimSpace(*path)
		case "protocol":
			var p connectbridge.Protocol
			if p, err = connectbridge.ParseProtocol(*protocol); err == nil {
				cfg.Protocol = p
			}
		case "timeout":
			cfg.Timeout = *timeout
		case "cleartext":
			cfg.Cleartext = *cleartext
		case "H":
			for k, vs := range headers {
				cfg.Headers[k] = append([]string(nil), vs...)
			}
		}
	})
	if err != nil {
		return invocation{}, err
	}
	applyEnvOverrides(&cfg)

	if cfg.Address == "" || cfg.Path == "" {
		return invocation{}, errors.New("both address and path are required")
	}

	inv := invocation{cfg: cfg, request: []byte{}}
	switch *data {
	case "":
	case "-":
		if inv.request, err = io.ReadAll(stdin); err != nil {
			return invocation{}, fmt.Errorf("read request from stdin: %w", err)
		}
	default:
		if inv.request, err = base64.StdEncoding.DecodeString(*data); err != nil {
			return invocation{}, fmt.Errorf("decode -data: %w", err)
		}
	}
	return inv, nil
}

// printer writes bridge event lines. Subscribers run on the dispatcher
// goroutine while the completion line comes from run.
type printer struct {
	mu  sync.Mutex
	out io.Writer
	err error
}

func (p *printer) print(ev rpcmux.Event) {
	name, body, err := bridgewire.Encode(ev)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		_, err = fmt.Fprintf(p.out, "%s %s\n", name, body)
	}
	if err != nil && p.err == nil {
		p.err = err
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	inv, err := parseArgs(args, stdin)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: inv.cfg.LogLevel}))

	tr, err := connectbridge.New(ctx, inv.cfg.transportOptions(logger)...)
	if err != nil {
		return err
	}
	defer tr.Close()

	client, err := rpcmux.NewClient(tr, rpcmux.WithLogger(logger))
	if err != nil {
		return err
	}
	go func() {
		if err := client.Dispatcher().Run(ctx, tr.Events()); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("rngrpc-call: dispatcher stopped", slog.String("error", err.Error()))
		}
	}()

	call, err := client.Invoke(inv.cfg.Address, inv.cfg.Path, rpcmux.BytesDecoder)
	if err != nil {
		return err
	}
	p := &printer{out: stdout}
	call.OnHeaders(func(h http.Header) {
		p.print(rpcmux.HeadersEvent{ID: call.ID(), Header: h})
	})
	call.Subscribe(rpcmux.OnData(func(b []byte) {
		p.print(rpcmux.DataEvent{ID: call.ID(), Payload: rpcmux.RawPayload(b)})
	}), nil, nil)

	logger.Debug("rngrpc-call: sending request",
		slog.String("address", inv.cfg.Address),
		slog.String("path", inv.cfg.Path),
		slog.String("protocol", string(tr.Protocol())),
		slog.Int("bytes", len(inv.request)))
	start := time.Now()
	if err := call.Write(inv.request); err != nil {
		return err
	}

	select {
	case <-call.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	logger.Debug("rngrpc-call: call finished", slog.Duration("elapsed", time.Since(start)))

	p.print(rpcmux.CompletionEvent{ID: call.ID(), Err: call.Err(), Trailer: call.Trailer()})
	if p.err != nil {
		return fmt.Errorf("write output: %w", p.err)
	}
	if err := call.Err(); err != nil {
		return fmt.Errorf("call %s: %w", inv.cfg.Path, err)
	}
	return nil
}
