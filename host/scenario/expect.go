package scenario

import (
	"fmt"
	"strings"

	"github.com/ardnew/softotg/host"
	"github.com/ardnew/softotg/pkg"
)

func (r *Runner) expect(st *ExpectStmt) error {
	switch {
	case st.Request != nil:
		return r.expectRequest(st.Request)
	case st.Channel != nil:
		return r.expectChannel(st.Channel)
	case st.Events != nil:
		return r.expectEvents(st.Events)
	case st.Endpoint != nil:
		return r.expectEndpoint(st.Endpoint)
	}
	return nil
}

func mismatch(what string, got, want any) error {
	return fmt.Errorf("%w: %s is %v, want %v", ErrExpectation, what, got, want)
}

func (r *Runner) expectRequest(st *ExpectRequest) error {
	res, err := r.lookup(st.Name)
	if err != nil {
		return err
	}
	state := res.StateName()
	if !res.Done && !res.Rejected {
		if s, ok := r.ctrl.RequestState(res.Handle); ok {
			state = s.String()
		}
	}
	if state != st.State {
		return mismatch("request "+st.Name+" state", state, st.State)
	}

	for _, opt := range st.Options {
		switch opt.Name() {
		case "actual":
			n, err := opt.Value.Int()
			if err != nil {
				return err
			}
			if res.Actual != n {
				return mismatch("request "+st.Name+" actual", res.Actual, n)
			}
		case "status":
			text, err := opt.Value.Text()
			if err != nil {
				return err
			}
			if !res.Done {
				return mismatch("request "+st.Name+" status", "pending", text)
			}
			if got := res.Status.String(); got != text {
				return mismatch("request "+st.Name+" status", got, text)
			}
		default:
			return fmt.Errorf("%w: request option %q", pkg.ErrInvalidParameter, opt.Name())
		}
	}
	return nil
}

func (r *Runner) expectChannel(st *ExpectChannel) error {
	ch, err := parseNumber(st.Channel)
	if err != nil {
		return err
	}
	h, bound := r.ctrl.ChannelOwner(ch)
	owner := "free"
	if bound {
		owner = h.String()
		for _, name := range r.order {
			if res := r.results[name]; res.Handle == h && !res.Done {
				owner = name
			}
		}
	}
	if owner != st.Owner {
		return mismatch(fmt.Sprintf("channel %d owner", ch), owner, st.Owner)
	}
	return nil
}

// eventName returns the script name of a connection event.
func eventName(ev host.ConnectionEvent) string {
	switch {
	case ev.Attached:
		return "attached"
	case ev.Reason == host.ReasonHotplug:
		return "detached"
	}
	return ev.Reason
}

func (r *Runner) expectEvents(st *ExpectEvents) error {
	got := make([]string, len(r.events))
	for i, ev := range r.events {
		got[i] = eventName(ev)
	}
	if strings.Join(got, " ") != strings.Join(st.Events, " ") {
		return mismatch("events", got, st.Events)
	}
	return nil
}

func (r *Runner) expectEndpoint(st *ExpectEndpoint) error {
	addr, err := endpointAddr(st.Addr)
	if err != nil {
		return err
	}
	s, err := r.ctrl.EndpointStats(Device, addr)
	if err != nil {
		return err
	}
	counters := map[string]int{
		"submitted": s.Submitted,
		"completed": s.Completed,
		"stopped":   s.StoppedMidTransfer,
		"unlinked":  s.ForceUnlinked,
		"errors":    s.ConsecutiveErrors,
		"timeouts":  s.ConsecutiveTimeouts,
		"queued":    s.Queued,
		"channel":   s.Channel,
		"slot":      int(s.Slot),
		"fifo":      s.FIFOSize,
	}
	flags := map[string]bool{
		"stalled": s.Stalled,
		"toggle":  s.Toggle,
	}

	for _, opt := range st.Options {
		what := fmt.Sprintf("endpoint %#02x %s", addr, opt.Name())
		if got, ok := counters[opt.Name()]; ok {
			want, err := opt.Value.Int()
			if err != nil {
				return err
			}
			if got != want {
				return mismatch(what, got, want)
			}
			continue
		}
		if got, ok := flags[opt.Name()]; ok {
			want, err := opt.Value.Bool()
			if err != nil {
				return err
			}
			if got != want {
				return mismatch(what, got, want)
			}
			continue
		}
		return fmt.Errorf("%w: endpoint option %q", pkg.ErrInvalidParameter, opt.Name())
	}
	return nil
}
