// Package report carries diagnostics about reload cycles to whoever listens.
// Nothing in the runtime branches on what a sink does with an entry.
package report

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zot/hotmonkey/internal/config"
)

// Kind classifies an entry.
type Kind string

const (
	KindDecision       Kind = "decision"
	KindDisposeFailure Kind = "dispose-failure"
	KindExecFailure    Kind = "exec-failure"
	KindAssetFailure   Kind = "asset-failure"
	KindDropped        Kind = "dropped"
	KindLoaded         Kind = "loaded"
	KindLog            Kind = "log"
)

// Entry is one diagnostic.
type Entry struct {
	Time     time.Time `json:"time"`
	Cycle    string    `json:"cycle,omitempty"`
	Instance string    `json:"instance,omitempty"`
	Kind     Kind      `json:"kind"`
	Message  string    `json:"message"`
	Modules  []string  `json:"modules,omitempty"`
}

func (e Entry) String() string {
	var b strings.Builder
	b.WriteString("[" + string(e.Kind) + "]")
	if e.Instance != "" {
		b.WriteString(" " + e.Instance + ":")
	}
	b.WriteString(" " + e.Message)
	if len(e.Modules) > 0 {
		b.WriteString(" {" + strings.Join(e.Modules, ", ") + "}")
	}
	return b.String()
}

// Sink accepts entries. Implementations must not block for long.
type Sink interface {
	Report(e Entry)
}

// Func adapts a function to Sink.
type Func func(e Entry)

func (f Func) Report(e Entry) { f(e) }

// Multi fans an entry out to several sinks.
type Multi []Sink

func (m Multi) Report(e Entry) {
	for _, s := range m {
		if s != nil {
			s.Report(e)
		}
	}
}

// LogSink writes entries through the config logger. Failures always log;
// decisions at verbosity 1 and chatter at 2.
type LogSink struct {
	Config *config.Config
}

func (l LogSink) Report(e Entry) {
	level := 2
	switch e.Kind {
	case KindDisposeFailure, KindExecFailure, KindAssetFailure, KindDropped:
		level = 0
	case KindDecision:
		level = 1
	}
	l.Config.Log(level, "%s", e.String())
}

// Recorder keeps every entry; used by tests and the status endpoints.
type Recorder struct {
	entries []Entry
	limit   int
	mu      sync.Mutex
}

// NewRecorder keeps at most limit entries (0 = unlimited).
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

func (r *Recorder) Report(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	if r.limit > 0 && len(r.entries) > r.limit {
		r.entries = r.entries[len(r.entries)-r.limit:]
	}
}

// Entries returns a copy of the recorded entries.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// OfKind returns the recorded entries of one kind.
func (r *Recorder) OfKind(k Kind) []Entry {
	var out []Entry
	for _, e := range r.Entries() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

// Emit stamps and reports an entry.
func Emit(s Sink, instance, cycle string, kind Kind, modules []string, format string, args ...interface{}) {
	if s == nil {
		return
	}
	s.Report(Entry{
		Time:     time.Now(),
		Cycle:    cycle,
		Instance: instance,
		Kind:     kind,
		Message:  fmt.Sprintf(format, args...),
		Modules:  modules,
	})
}
