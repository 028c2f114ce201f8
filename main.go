package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"vpcnat/dataplane"
	"vpcnat/overlay"
	"vpcnat/packet"
)

var (
	ErrNotImplemented = errors.New("not implemented")
)

type options struct {
	logLevel      string
	config        string
	metricsAddr   string
	sweepInterval time.Duration
	srcVni        uint32
	in            string
	out           string
}

const usage = `Usage: vpcnat <command> [flags]

Commands:
  check    validate the configuration
  dump     print the tables built from the configuration
  run      apply the configuration and serve metrics until interrupted
  replay   push a pcap capture through the pipeline

Flags:
`

func main() {
	var opts options
	flagset := pflag.NewFlagSet("vpcnat", pflag.ContinueOnError)
	flagset.StringVarP(&opts.logLevel, "log-level", "v", "info", "log level")
	flagset.StringVarP(&opts.config, "config", "c", "config.yaml", "overlay configuration")
	flagset.StringVar(&opts.metricsAddr, "metrics-addr", ":9100", "address of the metrics endpoint, empty to disable")
	flagset.DurationVar(&opts.sweepInterval, "sweep-interval", 10*time.Second, "how often idle NAT sessions are removed")
	flagset.Uint32Var(&opts.srcVni, "src-vni", 0, "vni the replayed packets come from")
	flagset.StringVar(&opts.in, "in", "", "capture to replay")
	flagset.StringVar(&opts.out, "out", "", "where to write the replayed packets that were not dropped")
	flagset.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flagset.PrintDefaults()
	}
	if err := flagset.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "Error parsing flags:", err)
		os.Exit(1)
	}

	loglvl, err := zerolog.ParseLevel(opts.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse log level %q, try debug\n", opts.logLevel)
		os.Exit(1)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(loglvl).With().Timestamp().Logger().With().Caller().Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := runCommand(ctx, flagset.Arg(0), opts); err != nil {
		log.Error().Err(err).Msgf("vpcnat %s failed", flagset.Arg(0))
		os.Exit(1)
	}
}

func runCommand(ctx context.Context, cmd string, opts options) error {
	switch cmd {
	case "check":
		return check(opts)
	case "dump":
		return dump(ctx, opts)
	case "run":
		return run(ctx, opts)
	case "replay":
		return replay(ctx, opts)
	case "":
		return fmt.Errorf("%w: missing command", ErrNotImplemented)
	}
	return fmt.Errorf("%w: command %q", ErrNotImplemented, cmd)
}

func check(opts options) error {
	ov, err := overlay.LoadConfig(opts.config)
	if err != nil {
		return err
	}
	if err := ov.Validate(); err != nil {
		return err
	}
	fmt.Printf("%s: %d vpcs, %d peerings, ok\n", opts.config, ov.VpcTable.Len(), ov.PeeringTable.Len())
	return nil
}

func load(ctx context.Context, opts options) (*dataplane.Pipeline, error) {
	ov, err := overlay.LoadConfig(opts.config)
	if err != nil {
		return nil, err
	}
	pipeline := dataplane.New("vpcnat")
	if err := pipeline.Apply(ctx, ov); err != nil {
		return nil, err
	}
	return pipeline, nil
}

func dump(ctx context.Context, opts options) error {
	pipeline, err := load(ctx, opts)
	if err != nil {
		return err
	}
	return pipeline.Dump(os.Stdout)
}

// run keeps the pipeline configured until ctx is done. SIGHUP reloads the configuration.
func run(ctx context.Context, opts options) error {
	pipeline, err := load(ctx, opts)
	if err != nil {
		return err
	}
	log.Info().Msgf("Running with %s, sweeping sessions every %s", opts.config, opts.sweepInterval)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pipeline.Engine().StartGarbageCollector(ctx, opts.sweepInterval)
		return nil
	})
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				ov, err := overlay.LoadConfig(opts.config)
				if err == nil {
					err = pipeline.Apply(ctx, ov)
				}
				if err != nil {
					log.Error().Err(err).Msgf("Failed to reload %s, keeping generation %d", opts.config, pipeline.Generation())
				}
			}
		}
	})
	if opts.metricsAddr != "" {
		srv := &http.Server{Addr: opts.metricsAddr, Handler: promhttp.Handler()}
		g.Go(func() error {
			log.Info().Msgf("Serving metrics on %s", opts.metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

// replay runs every packet of a capture through the pipeline and writes out those that
// were not dropped.
func replay(ctx context.Context, opts options) error {
	vni, err := packet.NewVni(opts.srcVni)
	if err != nil {
		return fmt.Errorf("--src-vni: %w", err)
	}
	if opts.in == "" {
		return errors.New("--in is required")
	}
	pipeline, err := load(ctx, opts)
	if err != nil {
		return err
	}

	in, err := os.Open(opts.in)
	if err != nil {
		return err
	}
	defer in.Close()
	r, err := pcapgo.NewReader(in)
	if err != nil {
		return fmt.Errorf("reading %s: %w", opts.in, err)
	}

	var w *pcapgo.Writer
	if opts.out != "" {
		out, err := os.Create(opts.out)
		if err != nil {
			return err
		}
		defer out.Close()
		w = pcapgo.NewWriter(out)
		if err := w.WriteFileHeader(r.Snaplen(), r.LinkType()); err != nil {
			return err
		}
	}

	counts := map[packet.DoneReason]int{}
	buf := gopacket.NewSerializeBuffer()
	source := gopacket.NewPacketSource(r, r.LinkType())
	for pkt := range source.Packets() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p := packet.New(pkt)
		p.Meta.SrcVni = vni
		reason := pipeline.ProcessOne(p)
		counts[reason]++
		if reason != packet.NotDone || w == nil {
			continue
		}
		data, err := p.Serialize(buf)
		if err != nil {
			log.Error().Err(err).Msgf("Failed to serialise %s", p.FlowString())
			continue
		}
		ci := pkt.Metadata().CaptureInfo
		ci.CaptureLength, ci.Length = len(data), len(data)
		if err := w.WritePacket(ci, data); err != nil {
			return err
		}
	}
	for reason, n := range counts {
		fmt.Printf("%s: %d\n", reason, n)
	}
	return nil
}
