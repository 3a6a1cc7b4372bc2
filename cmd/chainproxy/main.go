// Command chainproxy is the composition root: it parses flags, loads
// the backend list, and runs the accept loop that hands each connection
// to the session engine (spec.md §4, §6).
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chainproxy/chainproxy/internal/backend"
	"github.com/chainproxy/chainproxy/internal/config"
	"github.com/chainproxy/chainproxy/internal/logging"
	"github.com/chainproxy/chainproxy/internal/metrics"
	"github.com/chainproxy/chainproxy/internal/session"
)

const logModule = "main"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		listenAddr  string
		configPath  string
		logLevel    string
		metricsAddr string
		dialTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "chainproxy",
		Short: "A chaining HTTP/HTTPS forward proxy",
		Long: "chainproxy accepts client connections and forwards each request " +
			"through a round-robin pool of upstream proxies, banning any that " +
			"return an auth-failure status and retrying the next.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), runOptions{
				listenAddr:  listenAddr,
				configPath:  configPath,
				logLevel:    logLevel,
				metricsAddr: metricsAddr,
				dialTimeout: dialTimeout,
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&listenAddr, "listen", "0.0.0.0:8890", "address to accept client connections on")
	flags.StringVar(&configPath, "config", "config/proxies.txt", "path to the backend proxy list")
	flags.StringVar(&logLevel, "log-level", "", "log directive, e.g. \"info\" or \"info,session=debug\" (overrides PROXYLOG/RUST_LOG)")
	flags.StringVar(&metricsAddr, "metrics-listen", "127.0.0.1:9890", "address to serve the /metrics admin endpoint on; empty disables it")
	flags.DurationVar(&dialTimeout, "dial-timeout", 10*time.Second, "timeout for connecting to a single backend")

	return cmd
}

type runOptions struct {
	listenAddr  string
	configPath  string
	logLevel    string
	metricsAddr string
	dialTimeout time.Duration
}

func run(ctx context.Context, opts runOptions) error {
	log := logging.FromEnv()
	if opts.logLevel != "" {
		log = logging.New(opts.logLevel)
	}

	registry, err := config.LoadFile(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading backend list: %w", err)
	}
	log.Infof(logModule, "loaded %d backends from %s", registry.Len(), opts.configPath)

	collector := metrics.NewCollector()

	engine := &session.Engine{
		Registry:    registry,
		Selector:    backend.NewSelector(registry),
		Bans:        backend.NewBanSet(),
		Log:         log,
		Metrics:     collector,
		DialTimeout: opts.dialTimeout,
	}

	ln, err := net.Listen("tcp", opts.listenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", opts.listenAddr, err)
	}
	log.Infof(logModule, "listening on %s", opts.listenAddr)

	var shuttingDown atomic.Bool
	isShuttingDown := func() bool { return shuttingDown.Load() }

	var metricsServer *http.Server
	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		metricsServer = &http.Server{Addr: opts.metricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf(logModule, "metrics server: %v", err)
			}
		}()
		log.Infof(logModule, "metrics available on http://%s/metrics", opts.metricsAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup
	acceptDone := make(chan struct{})
	go acceptLoop(ctx, ln, engine, isShuttingDown, log, &wg, acceptDone)

	<-sigCh
	log.Infof(logModule, "shutdown signal received, draining")
	shuttingDown.Store(true)
	ln.Close()
	<-acceptDone
	wg.Wait()

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsServer.Shutdown(shutdownCtx)
	}

	return nil
}

// acceptLoop accepts connections until the listener closes, handing
// each one to the session engine on its own goroutine (spec.md §4.4).
func acceptLoop(ctx context.Context, ln net.Listener, engine *session.Engine, isShuttingDown session.ShuttingDown, log *logging.Logger, wg *sync.WaitGroup, done chan<- struct{}) {
	defer close(done)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Errorf(logModule, "accept: %v", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			engine.Handle(ctx, conn, isShuttingDown)
		}()
	}
}
