// Package page drives reload cycles for every userscript instance attached to
// one page load. Change events are handled one at a time on the page's
// executor goroutine: filter, decide, teardown and load all finish for every
// instance before the next event starts.
package page

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/zot/hotmonkey/internal/assets"
	"github.com/zot/hotmonkey/internal/bundler"
	"github.com/zot/hotmonkey/internal/config"
	"github.com/zot/hotmonkey/internal/decide"
	"github.com/zot/hotmonkey/internal/filter"
	"github.com/zot/hotmonkey/internal/graph"
	"github.com/zot/hotmonkey/internal/loader"
	"github.com/zot/hotmonkey/internal/lua"
	"github.com/zot/hotmonkey/internal/registry"
	"github.com/zot/hotmonkey/internal/report"
	"github.com/zot/hotmonkey/internal/storage"
	"github.com/zot/hotmonkey/internal/teardown"
)

// ErrUnknownInstance is returned for an instance name the page does not run.
var ErrUnknownInstance = errors.New("unknown instance")

// ErrClosed is returned for work submitted to a closed page.
var ErrClosed = errors.New("page closed")

// Instance is one running userscript.
type Instance struct {
	Name     string
	Script   config.ScriptConfig
	Registry *registry.Registry
	Session  *lua.Session

	engine   *decide.Engine
	teardown *teardown.Coordinator
	loader   *loader.Loader
}

// Status is a snapshot of an instance for inspection.
type Status struct {
	Name        string   `json:"name"`
	Entry       string   `json:"entry"`
	Live        []string `json:"live"`
	WholeReload []string `json:"wholeReload,omitempty"`
}

// Status returns the instance's current live modules.
func (i *Instance) Status() Status {
	return Status{
		Name:        i.Name,
		Entry:       i.Script.Entry,
		Live:        i.Registry.Snapshot(),
		WholeReload: i.Registry.AnyWholeReload(),
	}
}

// Outcome is what one cycle did to one instance.
type Outcome struct {
	Cycle    string          `json:"cycle"`
	Instance string          `json:"instance"`
	Decision decide.Decision `json:"decision"`
	Teardown teardown.Result `json:"teardown"`
	Load     loader.Outcome  `json:"load"`
	Dropped  bool            `json:"dropped,omitempty"`
	Errors   []string        `json:"errors,omitempty"`
	Err      error           `json:"-"`
}

func (o *Outcome) fail(err error) {
	o.Err = errors.Join(o.Err, err)
	o.Errors = append(o.Errors, err.Error())
}

type job struct {
	event   *bundler.Event
	run     func(ctx context.Context) []Outcome
	replies []chan []Outcome
}

// Page is one page load: its URL, attached assets and running instances.
type Page struct {
	config  *config.Config
	source  bundler.Source
	sink    report.Sink
	journal storage.Backend
	filter  *filter.Filter
	assets  *assets.Set

	url       string
	graph     *graph.Graph
	instances map[string]*Instance
	mu        sync.RWMutex

	coalesce bool
	jobs     []*job
	jobsMu   sync.Mutex
	wake     chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// New creates a page with no URL. journal may be nil.
func New(cfg *config.Config, source bundler.Source, sink report.Sink, journal storage.Backend) (*Page, error) {
	ignore, err := filter.ParseAll(cfg.Runtime.Ignore)
	if err != nil {
		return nil, fmt.Errorf("ignore patterns: %w", err)
	}
	g, err := source.Graph()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Page{
		config:    cfg,
		source:    source,
		sink:      sink,
		journal:   journal,
		filter:    filter.New(ignore...),
		graph:     g,
		instances: make(map[string]*Instance),
		coalesce:  cfg.Runtime.Queue == config.QueueCoalesce,
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	p.assets = assets.NewSet(cfg, nil, func(url string, err error) {
		report.Emit(p.sink, "", "", report.KindAssetFailure, nil, "%s: %v", url, err)
	})
	go p.loop()
	return p, nil
}

// Open loads every configured userscript matching url.
func (p *Page) Open(ctx context.Context, url string) ([]Outcome, error) {
	return p.Navigate(ctx, url)
}

// Submit queues a change event and returns immediately.
func (p *Page) Submit(ev bundler.Event) {
	p.enqueue(&job{event: &ev})
}

// Apply queues a change event and waits for its cycle.
func (p *Page) Apply(ctx context.Context, ev bundler.Event) ([]Outcome, error) {
	return p.wait(ctx, &job{event: &ev})
}

// Navigate replaces the page: every instance is torn down, assets are
// detached, and every configured userscript matching url starts fresh.
func (p *Page) Navigate(ctx context.Context, url string) ([]Outcome, error) {
	return p.wait(ctx, &job{run: func(ctx context.Context) []Outcome {
		return p.navigate(ctx, url)
	}})
}

// PushURL changes the page URL in place, the way history.pushState does:
// running instances keep running and their URL rules are checked again at
// their next full reload.
func (p *Page) PushURL(ctx context.Context, url string) error {
	_, err := p.wait(ctx, &job{run: func(context.Context) []Outcome {
		p.mu.Lock()
		p.url = url
		insts := p.sortedLocked()
		p.mu.Unlock()
		for _, inst := range insts {
			inst.Session.SetURL(url)
		}
		p.config.Log(1, "Page: url is now %s", url)
		return nil
	}})
	return err
}

// Reload forces a full reload of one instance.
func (p *Page) Reload(ctx context.Context, name string) ([]Outcome, error) {
	if _, ok := p.Instance(name); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, name)
	}
	return p.wait(ctx, &job{run: func(ctx context.Context) []Outcome {
		return p.reload(ctx, name)
	}})
}

// URL returns the current page URL.
func (p *Page) URL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.url
}

// Graph returns a copy of the latest dependency graph.
func (p *Page) Graph() *graph.Graph {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.graph.Clone()
}

// Assets returns the assets attached to the page.
func (p *Page) Assets() []assets.Asset {
	return p.assets.List()
}

// Instance returns a running instance.
func (p *Page) Instance(name string) (*Instance, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	inst, ok := p.instances[name]
	return inst, ok
}

// Instances returns the running instances sorted by name.
func (p *Page) Instances() []*Instance {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sortedLocked()
}

func (p *Page) sortedLocked() []*Instance {
	out := make([]*Instance, 0, len(p.instances))
	for _, inst := range p.instances {
		out = append(out, inst)
	}
	slices.SortFunc(out, func(a, b *Instance) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// Close stops the executor and closes every instance. Pending events are
// discarded.
func (p *Page) Close() {
	p.closeOnce.Do(func() {
		p.cancel()
		close(p.done)
		<-p.stopped
		p.mu.Lock()
		insts := p.sortedLocked()
		p.instances = make(map[string]*Instance)
		p.mu.Unlock()
		for _, inst := range insts {
			inst.Session.Close()
		}
		p.assets.Wait()
	})
}

func (p *Page) enqueue(j *job) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	p.jobsMu.Lock()
	p.jobs = append(p.jobs, j)
	p.jobsMu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

func (p *Page) wait(ctx context.Context, j *job) ([]Outcome, error) {
	reply := make(chan []Outcome, 1)
	j.replies = []chan []Outcome{reply}
	if !p.enqueue(j) {
		return nil, ErrClosed
	}
	select {
	case outs := <-reply:
		return outs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrClosed
	}
}

// next pops the oldest job. In coalesce mode consecutive change events are
// merged into one.
func (p *Page) next() *job {
	p.jobsMu.Lock()
	defer p.jobsMu.Unlock()
	if len(p.jobs) == 0 {
		return nil
	}
	j := p.jobs[0]
	p.jobs = p.jobs[1:]
	if !p.coalesce || j.event == nil {
		return j
	}
	for len(p.jobs) > 0 && p.jobs[0].event != nil {
		nx := p.jobs[0]
		p.jobs = p.jobs[1:]
		merged := bundler.Event{
			Updated: append(slices.Clone(j.event.Updated), nx.event.Updated...),
			Graph:   j.event.Graph,
		}
		if nx.event.Graph != nil {
			merged.Graph = nx.event.Graph
		}
		j = &job{event: &merged, replies: append(j.replies, nx.replies...)}
		p.config.Log(2, "Page: coalesced change event")
	}
	return j
}

func (p *Page) loop() {
	defer close(p.stopped)
	for {
		select {
		case <-p.done:
			return
		case <-p.wake:
		}
		for {
			select {
			case <-p.done:
				return
			default:
			}
			j := p.next()
			if j == nil {
				break
			}
			outs := p.process(j)
			for _, r := range j.replies {
				r <- outs
			}
		}
	}
}

// process runs one job, recovering from a panic so the executor survives.
func (p *Page) process(j *job) (outs []Outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.config.Log(0, "Page: PANIC in cycle: %v", r)
			report.Emit(p.sink, "", "", report.KindLog, nil, "cycle aborted: %v", r)
		}
	}()
	if j.event != nil {
		outs = p.change(p.ctx, *j.event)
	} else {
		outs = j.run(p.ctx)
	}
	p.record(outs)
	return outs
}

// change runs one cycle for every instance.
func (p *Page) change(ctx context.Context, ev bundler.Event) []Outcome {
	cycle := uuid.NewString()
	p.mu.Lock()
	if ev.Graph != nil {
		p.graph = ev.Graph
	}
	g, url, insts := p.graph, p.url, p.sortedLocked()
	p.mu.Unlock()

	p.config.Log(1, "Page: cycle %s for %v", cycle, ev.Updated)
	outs := make([]Outcome, 0, len(insts))
	for _, inst := range insts {
		changes := p.filter.Reduce(ev.Updated, g, inst.Script.Entry)
		d, err := inst.engine.Evaluate(decide.Input{
			Entry:    inst.Script.Entry,
			Changes:  changes,
			Graph:    g,
			Registry: inst.Registry,
		})
		if err != nil {
			out := Outcome{Cycle: cycle, Instance: inst.Name}
			out.fail(err)
			outs = append(outs, out)
			continue
		}
		outs = append(outs, p.apply(ctx, cycle, inst, d, g, url))
	}
	return outs
}

// apply tears down and reloads one instance according to d.
func (p *Page) apply(ctx context.Context, cycle string, inst *Instance, d decide.Decision, g *graph.Graph, url string) Outcome {
	out := Outcome{Cycle: cycle, Instance: inst.Name, Decision: d}
	inst.Session.SetCycle(cycle)
	report.Emit(p.sink, inst.Name, cycle, report.KindDecision, d.Modules, "%s (%s)", d.Kind, d.Reason)
	if d.Kind == decide.NoOp {
		return out
	}

	out.Teardown = p.drain(cycle, inst, d, g, &out)

	lo, err := inst.loader.Apply(ctx, d, g, url)
	out.Load = lo
	if err != nil {
		out.fail(err)
		report.Emit(p.sink, inst.Name, cycle, report.KindExecFailure, lo.Ran, "%v", err)
	}
	if lo.Dropped {
		out.Dropped = true
		p.drop(cycle, inst, lo)
		return out
	}
	if len(lo.Ran) > 0 {
		report.Emit(p.sink, inst.Name, cycle, report.KindLoaded, lo.Ran, "loaded")
	}
	return out
}

// drain runs the teardown of d and reports every failed callback.
func (p *Page) drain(cycle string, inst *Instance, d decide.Decision, g *graph.Graph, out *Outcome) teardown.Result {
	res, err := inst.teardown.Teardown(d, g)
	if err == nil {
		return res
	}
	out.fail(err)
	var failures *teardown.Failures
	if errors.As(err, &failures) {
		for _, f := range failures.Errors {
			report.Emit(p.sink, inst.Name, cycle, report.KindDisposeFailure, []string{f.Module}, "%v", f)
		}
	} else {
		report.Emit(p.sink, inst.Name, cycle, report.KindDisposeFailure, nil, "%v", err)
	}
	return res
}

func (p *Page) drop(cycle string, inst *Instance, lo loader.Outcome) {
	if lo.RuleErr != nil {
		report.Emit(p.sink, inst.Name, cycle, report.KindDropped, nil, "rule error: %v", lo.RuleErr)
	} else {
		report.Emit(p.sink, inst.Name, cycle, report.KindDropped, nil, "does not run on %s", p.URL())
	}
	p.mu.Lock()
	if p.instances[inst.Name] == inst {
		delete(p.instances, inst.Name)
	}
	p.mu.Unlock()
	inst.Session.Close()
}

func (p *Page) navigate(ctx context.Context, url string) []Outcome {
	cycle := uuid.NewString()
	reason := "page navigated to " + url

	p.mu.Lock()
	old := p.instances
	p.instances = make(map[string]*Instance)
	p.url = url
	g := p.graph
	p.mu.Unlock()

	full := decide.Decision{Kind: decide.Full, Reason: reason}
	byName := make(map[string]*Outcome)
	for _, inst := range old {
		out := &Outcome{Cycle: cycle, Instance: inst.Name, Decision: full}
		report.Emit(p.sink, inst.Name, cycle, report.KindDecision, nil, "%s (%s)", full.Kind, full.Reason)
		out.Teardown = p.drain(cycle, inst, full, g, out)
		inst.Session.Close()
		byName[inst.Name] = out
	}
	p.assets.Clear()

	if fresh, err := p.source.Graph(); err != nil {
		p.config.Log(0, "Page: cannot rescan modules: %v", err)
	} else {
		p.mu.Lock()
		p.graph = fresh
		p.mu.Unlock()
	}

	outs := make([]Outcome, 0, len(p.config.Scripts))
	for _, script := range p.config.Scripts {
		out, ok := byName[script.Name]
		if !ok {
			out = &Outcome{Cycle: cycle, Instance: script.Name, Decision: full}
		}
		p.start(ctx, cycle, script, url, out)
		outs = append(outs, *out)
	}
	return outs
}

// start creates and loads an instance of script.
func (p *Page) start(ctx context.Context, cycle string, script config.ScriptConfig, url string, out *Outcome) {
	reg := registry.New()
	sess := lua.NewSession(p.config, script.Name, p.source, reg, p.sink)
	sess.SetCycle(cycle)
	inst := &Instance{
		Name:     script.Name,
		Script:   script,
		Registry: reg,
		Session:  sess,
		engine:   decide.NewEngine(),
		teardown: teardown.New(reg),
		loader:   loader.New(p.config, script, sess, reg, p.assets),
	}

	lo, err := inst.loader.Start(ctx, url)
	out.Load = lo
	if lo.Dropped {
		out.Dropped = true
		sess.Close()
		if lo.RuleErr != nil {
			out.fail(lo.RuleErr)
			report.Emit(p.sink, script.Name, cycle, report.KindDropped, nil, "rule error: %v", lo.RuleErr)
		} else {
			p.config.Log(1, "Page: %s does not run on %s", script.Name, url)
		}
		return
	}
	if err != nil {
		out.fail(err)
		report.Emit(p.sink, script.Name, cycle, report.KindExecFailure, lo.Ran, "%v", err)
	} else {
		report.Emit(p.sink, script.Name, cycle, report.KindLoaded, lo.Ran, "started on %s", url)
	}

	p.mu.Lock()
	p.instances[script.Name] = inst
	p.mu.Unlock()
}

func (p *Page) reload(ctx context.Context, name string) []Outcome {
	inst, ok := p.Instance(name)
	if !ok {
		return nil
	}
	p.mu.RLock()
	g, url := p.graph, p.url
	p.mu.RUnlock()
	d := decide.Decision{Kind: decide.Full, Reason: "reload requested"}
	return []Outcome{p.apply(ctx, uuid.NewString(), inst, d, g, url)}
}

// record writes the outcomes of one cycle to the journal.
func (p *Page) record(outs []Outcome) {
	if p.journal == nil || len(outs) == 0 {
		return
	}
	records := make([]*storage.CycleRecord, 0, len(outs))
	for _, o := range outs {
		r := storage.NewRecord(o.Cycle, o.Instance)
		r.Decision = o.Decision.Kind.String()
		r.Reason = o.Decision.Reason
		r.Modules = o.Decision.Modules
		r.Drained = o.Teardown.Drained
		r.Callbacks = o.Teardown.Callbacks
		r.Ran = o.Load.Ran
		r.Attached = o.Load.Attached
		r.Dropped = o.Dropped
		r.Errors = o.Errors
		records = append(records, r)
	}
	if err := storage.StoreAll(p.journal, records); err != nil {
		p.config.Log(0, "Page: journal write failed: %v", err)
	}
}
