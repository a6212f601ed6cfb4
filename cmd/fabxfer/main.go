// Command fabxfer is the CLI entry point wiring the getter and putter
// personalities to a fabric transport: a flat flag set, no
// subcommands, package-scope *flag.FlagSet variables, and
// telemetry-backed logging configured straight off -v/-json.
//
// No real fabric.Provider implementation ships in this repository — fabric
// transport discovery is an external-collaborator concern the
// surrounding deployment is expected to supply. The only runnable
// transport here is the in-process loopback fake, selected with
// -loopback, which doubles as the harness for the package's end-to-end
// scenarios when no RDMA-capable NIC is available.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/relaycore/fabxfer/fabric/fabrictest"
	"github.com/relaycore/fabxfer/getter"
	"github.com/relaycore/fabxfer/internal/cpuaffinity"
	"github.com/relaycore/fabxfer/internal/sighandler"
	"github.com/relaycore/fabxfer/internal/telemetry"
	"github.com/relaycore/fabxfer/putter"
	"github.com/relaycore/fabxfer/worker"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("fabxfer", flag.ContinueOnError)
	var (
		bindAddr     = fs.String("b", "", "bind as getter at ADDR (passive side)")
		nsessions    = fs.Int("n", 1, "number of parallel sessions")
		cpuRange     = fs.String("p", "", "pin workers to CPU range i-j")
		expectCancel = fs.Bool("c", false, "expect this run to be cancelled (affects exit code)")
		contiguous   = fs.Bool("g", false, "putter: force contiguous (single-segment) RDMA writes")
		reregister   = fs.Bool("r", false, "defer memory registration to first use")
		useWaitFD    = fs.Bool("w", false, "use OS wait FDs for completion-queue multiplexing")
		loopback     = fs.Bool("loopback", false, "run an in-process getter+putter self-test instead of dialing a real fabric")
		verbose      = fs.Bool("v", false, "enable debug logging")
		jsonLog      = fs.Bool("json", false, "log as JSON")
		bufSize      = fs.Int("bufsize", 0, "payload buffer size in bytes (0 = default)")
		poolCap      = fs.Int("poolcap", 0, "per-session buffer pool depth (0 = default)")
		workersMax   = fs.Int("workers-max", 0, "maximum worker count (0 = number of sessions)")
	)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: fabxfer -b ADDR | ADDR [flags]\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *jsonLog {
		telemetry.SetLogFormat(telemetry.LogFormatJSON)
	}
	if *verbose {
		telemetry.SetLogLevel(slog.LevelDebug)
	}

	var affinity *cpuaffinity.Cycle
	if *cpuRange != "" {
		r, err := cpuaffinity.Parse(*cpuRange)
		if err != nil {
			telemetry.LogError(telemetry.ComponentCLI, "invalid -p", "err", err)
			return 2
		}
		affinity = cpuaffinity.NewCycle(r)
	}

	sig := sighandler.Install()
	defer sig.Stop()

	if *workersMax <= 0 {
		*workersMax = *nsessions
		if *workersMax < 1 {
			*workersMax = 1
		}
	}
	pool := worker.NewPool(*workersMax, *useWaitFD, sig.Cancelled)
	if affinity != nil {
		pool.SetAffinity(affinity.Next)
	}

	var runErr error
	switch {
	case *loopback:
		runErr = runLoopback(sig.Context(), pool, loopbackOptions{
			NSessions:  *nsessions,
			UseWaitFD:  *useWaitFD,
			Contiguous: *contiguous,
			Reregister: *reregister,
			BufSize:    *bufSize,
			PoolCap:    *poolCap,
		})
	case *bindAddr != "":
		telemetry.LogError(telemetry.ComponentCLI, "getter mode requires a fabric.Provider implementation not shipped in this repository; use -loopback for a self-test")
		return 2
	case fs.NArg() == 1:
		telemetry.LogError(telemetry.ComponentCLI, "putter mode requires a fabric.Provider implementation not shipped in this repository; use -loopback for a self-test")
		return 2
	default:
		fs.Usage()
		return 2
	}

	if runErr != nil {
		telemetry.LogError(telemetry.ComponentCLI, "run failed", "err", runErr)
		return 1
	}

	out := pool.JoinAll()
	return exitCode(out, *expectCancel)
}

// exitCode: nonzero if any worker
// reported failure, or if expectCancel mismatched the observed
// cancellation state.
func exitCode(out worker.Outcome, expectCancel bool) int {
	if out.AnyFailed {
		return 1
	}
	if out.AnyCanceled != expectCancel {
		return 1
	}
	return 0
}

type loopbackOptions struct {
	NSessions  int
	UseWaitFD  bool
	Contiguous bool
	Reregister bool
	BufSize    int
	PoolCap    int
}

// runLoopback drives one getter and one putter against each other over
// fabrictest's in-process fabric, the harness the e2e scenarios
// are built on when no RDMA-capable NIC is available.
func runLoopback(ctx context.Context, pool *worker.Pool, o loopbackOptions) error {
	listener, dialer := fabrictest.NewListener()
	defer listener.Close()

	g := getter.New(listener, pool, getter.Options{
		NSessions:  o.NSessions,
		UseWaitFD:  o.UseWaitFD,
		Contiguous: o.Contiguous,
		Reregister: o.Reregister,
		BufSize:    o.BufSize,
		PoolCap:    o.PoolCap,
	})
	p := putter.New(dialer, pool, putter.Options{
		NSessions:  o.NSessions,
		UseWaitFD:  o.UseWaitFD,
		Contiguous: o.Contiguous,
		Reregister: o.Reregister,
		BufSize:    o.BufSize,
		PoolCap:    o.PoolCap,
	})

	errCh := make(chan error, 2)
	go func() { errCh <- g.Run(ctx) }()
	go func() { errCh <- p.Run(ctx) }()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// Give the last in-flight EOF exchange a moment to settle before the
	// caller calls JoinAll; JoinAll itself polls each worker to idle, so
	// this is just slack for the dial/accept goroutines above to have
	// actually placed every session before draining begins.
	time.Sleep(time.Millisecond)

	return firstErr
}
