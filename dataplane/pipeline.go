// Package dataplane chains the packet stages: the flow filter picks the destination VPC and the
// NAT each side needs, then stateless and stateful NAT rewrite the packet. Configuration is
// built off the packet path and published atomically.
package dataplane

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"vpcnat/flowfilter"
	"vpcnat/nat"
	"vpcnat/overlay"
	"vpcnat/packet"
	"vpcnat/stateless"
)

// stage is one step of the pipeline. Stages skip packets already done.
type stage struct {
	name string
	run  func(c *snapshot, p *packet.Packet)
}

// snapshot is one generation of configuration. Packets see all of it or none of it.
type snapshot struct {
	overlay    *overlay.Overlay
	filter     *flowfilter.Table
	tables     *stateless.Tables
	allocator  *nat.Allocator
	generation uint64
}

// Pipeline runs packets through the flow filter, stateless NAT and stateful NAT.
type Pipeline struct {
	engine *nat.Engine
	stages []stage

	// serializes Apply
	mu     sync.Mutex
	config atomic.Pointer[snapshot]
}

// New returns a pipeline with empty tables, which drops every packet until Apply succeeds.
func New(name string) *Pipeline {
	p := &Pipeline{engine: nat.NewEngine(name + "-stateful")}
	filter := flowfilter.NewFilter(name+"-flow-filter", nil, p.engine)
	translator := stateless.NewStage(name+"-stateless", nil)
	p.stages = []stage{
		{filter.Name(), func(c *snapshot, pkt *packet.Packet) { filter.ProcessWith(c.filter, pkt) }},
		{translator.Name(), func(c *snapshot, pkt *packet.Packet) { translator.ProcessWith(c.tables, pkt) }},
		{p.engine.Name(), func(c *snapshot, pkt *packet.Packet) { p.engine.ProcessWith(c.allocator, pkt) }},
	}
	p.config.Store(&snapshot{filter: flowfilter.NewTable(), tables: stateless.NewTables(), allocator: nat.NewAllocator()})
	return p
}

func (p *Pipeline) Engine() *nat.Engine {
	return p.engine
}

// Allocator returns the stateful NAT pools in use.
func (p *Pipeline) Allocator() *nat.Allocator {
	return p.config.Load().allocator
}

// Overlay returns the configuration in use, nil before the first Apply.
func (p *Pipeline) Overlay() *overlay.Overlay {
	return p.config.Load().overlay
}

// Generation counts the successful calls to Apply.
func (p *Pipeline) Generation() uint64 {
	return p.config.Load().generation
}

// Apply validates ov and builds every table from it. They are published together in a single
// store, and only when all of them build. Otherwise the previous configuration stays in use.
func (p *Pipeline) Apply(ctx context.Context, ov *overlay.Overlay) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	prev := p.config.Load()
	if err := ov.Validate(); err != nil {
		configBuilds.WithLabelValues("invalid").Inc()
		return errors.Wrap(err, "invalid overlay")
	}

	var (
		filterTable *flowfilter.Table
		natTables   *stateless.Tables
		allocator   *nat.Allocator
	)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t, err := flowfilter.BuildFromOverlay(ov)
		if err != nil {
			return errors.Wrap(err, "flow filter")
		}
		filterTable = t
		return ctx.Err()
	})
	g.Go(func() error {
		natTables = stateless.BuildFromOverlay(ov)
		if skipped := natTables.Skipped(); len(skipped) > 0 {
			log.Warn().Msgf("Stateless nat left out of peerings %v", skipped)
		}
		return ctx.Err()
	})
	g.Go(func() error {
		allocator = nat.BuildAllocator(ov, prev.allocator)
		return ctx.Err()
	})
	if err := g.Wait(); err != nil {
		configBuilds.WithLabelValues("failed").Inc()
		return err
	}

	gen := prev.generation + 1
	p.config.Store(&snapshot{overlay: ov, filter: filterTable, tables: natTables, allocator: allocator, generation: gen})
	configBuilds.WithLabelValues("applied").Inc()
	configGeneration.Set(float64(gen))
	log.Info().Msgf("Applied overlay generation %d: %d vpcs, %d peerings, %d filter entries, %d stateless rules, %d stateful vpc pairs in %s",
		gen, ov.VpcTable.Len(), ov.PeeringTable.Len(), filterTable.Len(), natTables.Len(), allocator.Len(), time.Since(start))
	return nil
}

// ProcessOne runs pkt through the stages until one marks it done.
func (p *Pipeline) ProcessOne(pkt *packet.Packet) packet.DoneReason {
	return p.process(p.config.Load(), pkt)
}

func (p *Pipeline) process(c *snapshot, pkt *packet.Packet) packet.DoneReason {
	for _, s := range p.stages {
		s.run(c, pkt)
		packetsProcessed.WithLabelValues(s.name, pkt.Meta.Done.String()).Inc()
		if pkt.IsDone() {
			log.Debug().Msgf("%s dropped %s: %s", s.name, pkt.FlowString(), pkt.Meta.Done)
			break
		}
	}
	return pkt.Meta.Done
}

// Process runs a batch of packets against a single generation. Packets that are done are kept
// in the batch, callers drop them.
func (p *Pipeline) Process(pkts []*packet.Packet) {
	c := p.config.Load()
	for _, pkt := range pkts {
		p.process(c, pkt)
	}
}

// Dump writes the tables in use.
func (p *Pipeline) Dump(w io.Writer) error {
	c := p.config.Load()
	_, err := fmt.Fprintf(w, "# generation %d\n\n# flow filter\n%s\n# stateless nat\n%s\n# stateful nat\n%s",
		c.generation, c.filter, c.tables, c.allocator)
	return err
}
