package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	tnshare "github.com/flipadmin/TcpTunnel/share"
)

var help = `
  Usage: tcptunnel [command] [--help]

  Version: ` + tnshare.BuildVersion + `

  Commands:
    gateway - runs the rendezvous gateway
    client  - runs a proxy-client (dials targets on the gateway's behalf)
    server  - runs a proxy-server (advertises bindings, forwards to a client)

  Read more:
    https://github.com/flipadmin/TcpTunnel

`

var commonHelp = `
    --pid, Generate a pid file in the current working directory

    -v, Enable verbose (debug) logging

    --help, This help text

  Signals:
    The process is listening for:
      SIGINT  to begin a graceful shutdown, and
      SIGUSR2, which is logged; it does not print connection stats

  Version:
    ` + tnshare.BuildVersion + `

`

func main() {
	ctx, ctxCancel := context.WithCancel(context.Background())
	defer ctxCancel()

	version := flag.Bool("version", false, "")
	v := flag.Bool("v", false, "")
	flag.Bool("help", false, "")
	flag.Bool("h", false, "")
	flag.Usage = func() {}
	flag.Parse()

	if *version || *v {
		fmt.Println(tnshare.BuildVersion)
		os.Exit(1)
	}

	args := flag.Args()
	subcmd := ""
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	logger := tnshare.NewLogger("", tnshare.LogLevelInfo, true)

	switch subcmd {
	case "gateway":
		go signalHandler(ctx, ctxCancel, logger)
		runGateway(ctx, logger, args)
	case "client":
		go signalHandler(ctx, ctxCancel, logger)
		runClient(ctx, logger, args)
	case "server":
		go signalHandler(ctx, ctxCancel, logger)
		runServer(ctx, logger, args)
	default:
		fmt.Fprint(os.Stderr, help)
		os.Exit(1)
	}
}

func signalHandler(ctx context.Context, cancel context.CancelFunc, logger tnshare.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGUSR2)
	for {
		select {
		case s := <-sig:
			if s == syscall.SIGUSR2 {
				logger.ILog("SIGUSR2: stats reporting not wired to a specific role from main")
				continue
			}
			logger.ILog("SIGINT received; shutting down")
			signal.Stop(sig)
			cancel()
			return
		case <-ctx.Done():
			signal.Stop(sig)
			return
		}
	}
}

func generatePidFile() {
	pid := []byte(strconv.Itoa(os.Getpid()))
	os.WriteFile("tcptunnel.pid", pid, 0644)
}

var gatewayHelp = `
  Usage: tcptunnel gateway [options]

  Options:

    --listen, A "host:port" to accept proxy-client/proxy-server
    connections on (may be repeated; defaults to ":8080" if omitted).

    --tls-cert, --tls-key, An optional PEM certificate/key pair applied to
    every --listen address.

    --sessions, Path to a JSON session table:
      [{"id": 1, "client_password": "...", "server_password": "..."}, ...]
    This file is automatically reloaded on change.
` + commonHelp

func runGateway(ctx context.Context, logger tnshare.Logger, args []string) {
	flags := flag.NewFlagSet("gateway", flag.ContinueOnError)
	var listenAddrs stringList
	flags.Var(&listenAddrs, "listen", "")
	tlsCert := flags.String("tls-cert", "", "")
	tlsKey := flags.String("tls-key", "", "")
	sessions := flags.String("sessions", "", "")
	pid := flags.Bool("pid", false, "")
	verbose := flags.Bool("v", false, "")
	flags.Usage = func() {
		fmt.Print(gatewayHelp)
		os.Exit(1)
	}
	flags.Parse(args)

	if *verbose {
		logger.SetLogLevel(tnshare.LogLevelDebug)
	}
	if *sessions == "" {
		logger.Fatal("--sessions is required")
	}
	if len(listenAddrs) == 0 {
		listenAddrs = []string{":8080"}
	}

	cfg := tnshare.GatewayConfig{SessionFile: *sessions, LogLevel: logger.GetLogLevel()}
	for _, addr := range listenAddrs {
		host, port, err := tnshare.ParseHostPort(addr)
		if err != nil {
			logger.Fatalf("--listen %s: %s", addr, err)
		}
		cfg.Listeners = append(cfg.Listeners, tnshare.ListenerConfig{
			IP: host, Port: port, TLSCert: *tlsCert, TLSKey: *tlsKey,
		})
	}

	if *pid {
		generatePidFile()
	}

	gw, err := tnshare.NewGateway(ctx, logger, cfg)
	if err != nil {
		logger.Fatalf("gateway failed to start: %s", err)
	}
	if err := gw.WaitShutdown(); err != nil {
		logger.ELogf("gateway exited with: %s", err)
	}
}

var clientHelp = `
  Usage: tcptunnel client [options] <gateway-host:port> <session-id> <password>

  Connects to a gateway as the client role and dials local targets on
  behalf of the paired proxy-server's OpenConnection requests.

  Options:

    --tls, Use TLS when connecting to the gateway.

    --allow, Restrict dialable targets to "host:port" (may be repeated;
    "*:port" allows any host on that port). Omit to allow every target the
    paired proxy-server requests.
` + commonHelp

func runClient(ctx context.Context, logger tnshare.Logger, args []string) {
	flags := flag.NewFlagSet("client", flag.ContinueOnError)
	useTLS := flags.Bool("tls", false, "")
	var allow stringList
	flags.Var(&allow, "allow", "")
	pid := flags.Bool("pid", false, "")
	verbose := flags.Bool("v", false, "")
	flags.Usage = func() {
		fmt.Print(clientHelp)
		os.Exit(1)
	}
	flags.Parse(args)
	args = flags.Args()

	if *verbose {
		logger.SetLogLevel(tnshare.LogLevelDebug)
	}
	if len(args) < 3 {
		logger.Fatal("a gateway address, session id and password are required")
	}
	host, port, err := tnshare.ParseHostPort(args[0])
	if err != nil {
		logger.Fatalf("gateway address: %s", err)
	}
	sessionID, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		logger.Fatalf("session id: %s", err)
	}

	cfg := tnshare.ClientConfig{
		GatewayHost: host,
		GatewayPort: port,
		UseTLS:      *useTLS,
		SessionID:   uint32(sessionID),
		Password:    args[2],
		Allowlist:   allow,
		LogLevel:    logger.GetLogLevel(),
	}

	if *pid {
		generatePidFile()
	}

	sup := tnshare.NewSupervisor(ctx, logger, func(ctx context.Context) error {
		return tnshare.RunProxyClient(ctx, logger, cfg)
	})
	sup.WaitShutdown()
}

var serverHelp = `
  Usage: tcptunnel server [options] <gateway-host:port> <session-id> <password> <binding> [binding] ...

  Connects to a gateway as the server role, advertises the given bindings,
  and forwards accepted connections through the tunnel.

  <binding>s take the form:

    <listen-host>:<listen-port>:<target-host>:<target-port>

  Options:

    --tls, Use TLS when connecting to the gateway.
` + commonHelp

func runServer(ctx context.Context, logger tnshare.Logger, args []string) {
	flags := flag.NewFlagSet("server", flag.ContinueOnError)
	useTLS := flags.Bool("tls", false, "")
	pid := flags.Bool("pid", false, "")
	verbose := flags.Bool("v", false, "")
	flags.Usage = func() {
		fmt.Print(serverHelp)
		os.Exit(1)
	}
	flags.Parse(args)
	args = flags.Args()

	if *verbose {
		logger.SetLogLevel(tnshare.LogLevelDebug)
	}
	if len(args) < 4 {
		logger.Fatal("a gateway address, session id, password and at least one binding are required")
	}
	host, port, err := tnshare.ParseHostPort(args[0])
	if err != nil {
		logger.Fatalf("gateway address: %s", err)
	}
	sessionID, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		logger.Fatalf("session id: %s", err)
	}

	cfg := tnshare.ServerConfig{
		GatewayHost: host,
		GatewayPort: port,
		UseTLS:      *useTLS,
		SessionID:   uint32(sessionID),
		Password:    args[2],
		LogLevel:    logger.GetLogLevel(),
	}
	for _, b := range args[3:] {
		binding, err := parseBinding(b)
		if err != nil {
			logger.Fatalf("binding %q: %s", b, err)
		}
		cfg.Bindings = append(cfg.Bindings, binding)
	}

	if *pid {
		generatePidFile()
	}

	sup := tnshare.NewSupervisor(ctx, logger, func(ctx context.Context) error {
		return tnshare.RunProxyServer(ctx, logger, cfg, nil)
	})
	sup.WaitShutdown()
}

func parseBinding(s string) (tnshare.BindingConfig, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return tnshare.BindingConfig{}, fmt.Errorf("expected listen-host:listen-port:target-host:target-port")
	}
	listenPort, err := tnshare.PortNumber(parts[1])
	if err != nil {
		return tnshare.BindingConfig{}, err
	}
	targetPort, err := tnshare.PortNumber(parts[3])
	if err != nil {
		return tnshare.BindingConfig{}, err
	}
	return tnshare.BindingConfig{
		ListenIP:   parts[0],
		ListenPort: listenPort,
		TargetHost: parts[2],
		TargetPort: targetPort,
	}, nil
}

// stringList implements flag.Value to support repeatable string flags.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }
func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}
