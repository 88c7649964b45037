// Package listener turns bitcoind debug-log lines into model.Events. It
// implements the chain described in spec.md §4.2: an ordered set of
// stateless Extractors and stateful Reducers, each presented with every
// line, with per-listener panics/errors isolated from the rest of the
// chain. Grounded on original_source/bmon/logparse.py's Listener protocol
// and its concrete subclasses.
package listener

import (
	"fmt"

	"github.com/bitcoinwatch/bmon/internal/model"
	"go.uber.org/zap"
)

// Listener is the single-operation capability every extractor/reducer
// implements. Process returns at most one of: an event, a peer number (the
// Pong listener's reserved secondary channel), or neither — meaning "not
// mine". Returning an error marks this line as a listener failure; the
// router records it as a model.ProcessLineError and continues the chain.
type Listener interface {
	Name() string
	Process(line string) (*model.Event, *int64, error)
}

// Router presents each line to every Listener in chain order. A listener
// that produces a value does not stop the chain — other listeners still
// see the same line, since e.g. UpdateTip lines feed both the ConnectBlock
// extractor and the HeaderToTip reducer (spec.md §4.2).
type Router struct {
	Host      string
	Listeners []Listener

	// OnPeerNum is invoked when a listener emits the reserved int
	// channel (the Pong listener); the edge reacts by scheduling a
	// synchronous peer re-sync (spec.md §4.2, §4.3).
	OnPeerNum func(peerNum int64)

	// OnLineError is invoked for every listener failure, constructing
	// the out-of-band ProcessLineError record spec.md §7 requires.
	OnLineError func(model.ProcessLineError)

	logger *zap.Logger
}

// NewRouter builds a Router over the given chain, in the order given.
func NewRouter(host string, logger *zap.Logger, listeners ...Listener) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{Host: host, Listeners: listeners, logger: logger}
}

// Process runs one line through the whole chain and returns every event
// produced, in chain order. This satisfies testable property #2
// (listener independence): the result is exactly the union of what each
// listener would produce run in isolation.
func (r *Router) Process(line string) []model.Event {
	var events []model.Event

	for _, l := range r.Listeners {
		ev, peerNum, err := r.runOne(l, line)
		if err != nil {
			r.recordError(l, line, err)
			continue
		}
		if peerNum != nil {
			if r.OnPeerNum != nil {
				r.OnPeerNum(*peerNum)
			}
			continue
		}
		if ev != nil {
			tagged := *ev
			tagged.Host = r.Host
			events = append(events, tagged)
		}
	}

	return events
}

// runOne isolates a single listener's panics as errors, so one bad
// listener can never abort the chain for the others.
func (r *Router) runOne(l Listener, line string) (ev *model.Event, peerNum *int64, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return l.Process(line)
}

func (r *Router) recordError(l Listener, line string, err error) {
	r.logger.Error("listener failed to process line",
		zap.String("host", r.Host),
		zap.String("listener", l.Name()),
		zap.Error(err),
	)
	if r.OnLineError != nil {
		r.OnLineError(model.ProcessLineError{
			Host:     r.Host,
			Listener: l.Name(),
			Line:     line,
			Err:      err.Error(),
		})
	}
}

// regexMatch runs every pattern in patts against line, merging named
// capture groups into one map (later patterns can overwrite earlier ones
// on key collision, matching logparse.py's Listener._match semantics
// exactly: it calls dict.update() for each match in turn).
func regexMatch(patts []namedPattern, line string) map[string]string {
	out := map[string]string{}
	for _, p := range patts {
		m := p.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		for i, name := range p.re.SubexpNames() {
			if i == 0 || name == "" {
				continue
			}
			if m[i] != "" {
				out[name] = m[i]
			}
		}
	}
	return out
}
