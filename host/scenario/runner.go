package scenario

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ardnew/softotg/host"
	"github.com/ardnew/softotg/host/hal"
	"github.com/ardnew/softotg/host/hal/sim"
	"github.com/ardnew/softotg/pkg"
)

// ErrExpectation is returned when an expect statement does not hold.
var ErrExpectation = errors.New("expectation failed")

// Device is the address of the simulated device.
const Device hal.DeviceAddress = 1

// StateRejected is reported for a request whose submission failed.
const StateRejected = "rejected"

// waitLimit bounds statements that run the clock until a condition holds.
const waitLimit = 10 * time.Second

// Result is the outcome of a named request.
type Result struct {
	Name     string
	Handle   host.Handle
	Endpoint uint8
	Length   int
	Done     bool
	State    host.RequestState
	Status   pkg.TransferStatus
	Actual   int
	Err      error
	Rejected bool
}

// StateName returns the request state as written in expect statements.
func (r *Result) StateName() string {
	if r.Rejected {
		return StateRejected
	}
	return r.State.String()
}

// Runner executes scenarios against a controller on the simulated bus.
// Interrupts are serviced after every statement and every simulated
// millisecond.
type Runner struct {
	config []string

	bus   *sim.Bus
	clock *sim.Clock
	ctrl  *host.Controller

	endpoints map[uint8]hal.EndpointDescriptor
	results   map[string]*Result
	order     []string
	events    []host.ConnectionEvent
}

// NewRunner returns a runner with no controller yet. The controller starts
// with the first statement that is not a config statement.
func NewRunner() *Runner {
	return &Runner{
		endpoints: make(map[uint8]hal.EndpointDescriptor),
		results:   make(map[string]*Result),
	}
}

// RunFile parses and runs a script file, then stops the controller.
func RunFile(path string) ([]Result, error) {
	p, err := NewParser()
	if err != nil {
		return nil, err
	}
	s, err := p.ParseFile(path)
	if err != nil {
		return nil, err
	}
	r := NewRunner()
	defer r.Close()
	if err := r.Run(s); err != nil {
		return r.Results(), err
	}
	return r.Results(), nil
}

// Run executes every statement of s in order and stops at the first
// failure.
func (r *Runner) Run(s *Script) error {
	for _, st := range s.Statements {
		if err := r.exec(st); err != nil {
			return fmt.Errorf("%s: %w", st.Pos, err)
		}
	}
	return nil
}

// Results returns the named requests in submission order.
func (r *Runner) Results() []Result {
	out := make([]Result, 0, len(r.order))
	for _, name := range r.order {
		res := *r.results[name]
		if !res.Done && !res.Rejected && r.ctrl != nil {
			if st, ok := r.ctrl.RequestState(res.Handle); ok {
				res.State = st
			}
		}
		out = append(out, res)
	}
	return out
}

// Controller returns the running controller, or nil before the first
// statement that starts it.
func (r *Runner) Controller() *host.Controller {
	return r.ctrl
}

// Close stops the controller. Pending requests finish with the shutdown
// status.
func (r *Runner) Close() error {
	if r.ctrl == nil {
		return nil
	}
	return r.ctrl.Stop()
}

func (r *Runner) exec(st *Statement) error {
	if st.Config != nil {
		return r.configure(st.Config.Option)
	}
	if err := r.ensure(); err != nil {
		return err
	}

	var err error
	switch {
	case st.Attach != nil:
		err = r.attach(st.Attach)
	case st.Detach:
		err = r.detach()
	case st.Tick != nil:
		err = r.tick(st.Tick)
	case st.Advance != nil:
		err = r.advance(st.Advance)
	case st.Enable != nil:
		err = r.enable(st.Enable)
	case st.Disable != nil:
		err = r.disable(st.Disable)
	case st.Queue != nil:
		err = r.queue(st.Queue)
	case st.Fault != nil:
		err = r.fault(st.Fault)
	case st.Busy != nil:
		err = r.busy(st.Busy)
	case st.Submit != nil:
		err = r.submit(st.Submit)
	case st.Cancel != nil:
		err = r.cancel(st.Cancel)
	case st.DMAComplete != nil:
		err = r.dmaComplete(st.DMAComplete)
	case st.IRQ:
	case st.Expect != nil:
		err = r.expect(st.Expect)
	}
	if err != nil {
		return err
	}
	r.service()
	return nil
}

// =============================================================================
// Environment
// =============================================================================

func (r *Runner) configure(opt *Option) error {
	if r.ctrl != nil {
		return fmt.Errorf("%w: config after the controller started", pkg.ErrInvalidState)
	}
	v, err := opt.Value.TOML()
	if err != nil {
		return fmt.Errorf("config %s: %w", opt.Name(), err)
	}
	r.config = append(r.config, opt.Name()+" = "+v)
	return nil
}

func (r *Runner) ensure() error {
	if r.ctrl != nil {
		return nil
	}
	cfg, err := host.DecodeConfig(strings.Join(r.config, "\n"))
	if err != nil {
		return err
	}
	r.bus = sim.New()
	r.clock = sim.NewClock(time.Unix(0, 0))
	ctrl, err := host.New(r.bus.Core(), r.bus.DMA(), cfg, r.clock)
	if err != nil {
		return err
	}
	ctrl.OnConnectionChange(func(ev host.ConnectionEvent) {
		r.events = append(r.events, ev)
	})
	if err := ctrl.Start(context.Background()); err != nil {
		return err
	}
	r.ctrl = ctrl
	pkg.LogDebug(pkg.ComponentScenario, "controller started", "config", r.config)
	return nil
}

// service runs the interrupt handler until the line is quiet. In worker
// dispatch mode the executor also runs here so completions are visible
// to the next statement.
func (r *Runner) service() {
	r.bus.Service(r.ctrl.HandleInterrupt, 256)
	r.ctrl.RunPending()
}

// step advances the clock by d in frames of at most one millisecond.
func (r *Runner) step(d time.Duration) {
	for d > 0 {
		frame := time.Millisecond
		if d < frame {
			frame = d
		}
		r.clock.Advance(frame)
		r.service()
		d -= frame
	}
}

// until advances the clock one frame at a time until cond holds.
func (r *Runner) until(what string, cond func() bool) error {
	for elapsed := time.Duration(0); !cond(); elapsed += time.Millisecond {
		if elapsed >= waitLimit {
			return fmt.Errorf("%w: %s", pkg.ErrTimeout, what)
		}
		r.step(time.Millisecond)
	}
	return nil
}

func (r *Runner) attach(st *AttachStmt) error {
	switch st.Speed {
	case "low":
		r.bus.SetSpeed(hal.SpeedLow)
	case "high":
		r.bus.SetSpeed(hal.SpeedHigh)
	default:
		r.bus.SetSpeed(hal.SpeedFull)
	}
	r.bus.SetConnected(true)
	return r.until("attach", r.ctrl.Attached)
}

func (r *Runner) detach() error {
	r.bus.SetConnected(false)
	return r.until("detach", func() bool { return !r.ctrl.Attached() })
}

func (r *Runner) tick(st *TickStmt) error {
	for _, s := range st.Samples {
		r.bus.ScriptConnection(s == "attached")
		if err := r.until("connection sample "+s, func() bool { return r.bus.Scripted() == 0 }); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) advance(st *AdvanceStmt) error {
	d, err := time.ParseDuration(st.Duration)
	if err != nil {
		return err
	}
	r.step(d)
	return nil
}

// =============================================================================
// Endpoints and device model
// =============================================================================

func endpointAddr(s string) (uint8, error) {
	n, err := parseNumber(s)
	if err != nil {
		return 0, err
	}
	if n < 0 || n > 0xFF || n&0x70 != 0 {
		return 0, fmt.Errorf("%w: endpoint address %s", pkg.ErrInvalidEndpoint, s)
	}
	return uint8(n), nil
}

func transferType(name string) hal.TransferType {
	switch name {
	case "control":
		return hal.TransferControl
	case "interrupt":
		return hal.TransferInterrupt
	case "iso", "isochronous":
		return hal.TransferIsochronous
	}
	return hal.TransferBulk
}

func (r *Runner) enable(st *EnableStmt) error {
	addr, err := endpointAddr(st.Addr)
	if err != nil {
		return err
	}
	desc := hal.EndpointDescriptor{
		Address:       addr,
		Attributes:    uint8(transferType(st.Type)),
		MaxPacketSize: 64,
		Interval:      1,
	}
	for _, opt := range st.Options {
		n, err := opt.Value.Int()
		if err != nil {
			return fmt.Errorf("enable %s: %w", opt.Name(), err)
		}
		switch opt.Name() {
		case "maxp":
			desc.MaxPacketSize = uint16(n)
		case "interval":
			desc.Interval = uint8(n)
		default:
			return fmt.Errorf("%w: enable option %q", pkg.ErrInvalidParameter, opt.Name())
		}
	}
	if err := r.ctrl.EnableEndpoint(Device, desc); err != nil {
		return err
	}
	r.endpoints[addr] = desc
	return nil
}

func (r *Runner) disable(st *DisableStmt) error {
	addr, err := endpointAddr(st.Addr)
	if err != nil {
		return err
	}
	// A done context makes a busy endpoint fail instead of blocking the
	// goroutine that drives the simulation.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.ctrl.DisableEndpoint(ctx, Device, addr); err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: endpoint %#02x has requests in flight", pkg.ErrBusy, addr)
		}
		return err
	}
	delete(r.endpoints, addr)
	return nil
}

func (r *Runner) queue(st *QueueStmt) error {
	addr, err := endpointAddr(st.Addr)
	if err != nil {
		return err
	}
	n, err := parseNumber(st.Length)
	if err != nil {
		return err
	}
	if addr&0x0F == 0 {
		r.bus.SetControlResponse(Device, Pattern(n))
		return nil
	}
	r.bus.QueueIn(Device, addr&0x0F, Pattern(n))
	return nil
}

func (r *Runner) fault(st *FaultStmt) error {
	addr, err := endpointAddr(st.Addr)
	if err != nil {
		return err
	}
	count := 1
	if st.Count != "" {
		if count, err = parseNumber(st.Count); err != nil {
			return err
		}
	}
	var code hal.ErrorCode
	for c := hal.ErrorNoHandshake; c <= hal.ErrorReserved; c++ {
		if c.String() == st.Code {
			code = c
		}
	}
	r.bus.InjectFault(Device, addr, code, count)
	return nil
}

func (r *Runner) busy(st *BusyStmt) error {
	addr, err := endpointAddr(st.Addr)
	if err != nil {
		return err
	}
	r.bus.SetFIFOBusy(Device, addr, st.State == "on")
	return nil
}

// =============================================================================
// Requests
// =============================================================================

// Pattern returns n bytes of deterministic payload.
func Pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func (r *Runner) submit(st *SubmitStmt) error {
	if _, dup := r.results[st.Name]; dup {
		return fmt.Errorf("%w: request %q already submitted", pkg.ErrInvalidParameter, st.Name)
	}
	addr, err := endpointAddr(st.Addr)
	if err != nil {
		return err
	}
	n, err := parseNumber(st.Length)
	if err != nil {
		return err
	}

	t := &host.Transfer{Device: Device}
	in := addr&0x80 != 0
	if addr&0x0F == 0 {
		if st.Setup == nil {
			return fmt.Errorf("%w: control request %q without setup", pkg.ErrInvalidParameter, st.Name)
		}
		setup, err := st.Setup.packet(n)
		if err != nil {
			return err
		}
		t.Setup = setup
		t.Endpoint = hal.EndpointDescriptor{Address: 0, MaxPacketSize: host.ControlMaxPacket}
		in = setup.DataDirection() == hal.DirIn
	} else {
		desc, ok := r.endpoints[addr]
		if !ok {
			return fmt.Errorf("%w: endpoint %#02x not enabled", pkg.ErrInvalidEndpoint, addr)
		}
		t.Endpoint = desc
	}
	if in {
		t.Buffer = make([]byte, n)
	} else {
		t.Buffer = Pattern(n)
	}

	res := &Result{Name: st.Name, Endpoint: addr, Length: n}
	t.Callback = func(c host.Completion) {
		res.Done = true
		res.Status = c.Status
		res.Actual = c.Actual
		res.Err = c.Err
		res.State = host.StateFinished
		if c.Status == pkg.TransferStatusCancelled {
			res.State = host.StateCancelled
		}
	}
	r.results[st.Name] = res
	r.order = append(r.order, st.Name)

	h, err := r.ctrl.Submit(t)
	if err != nil {
		res.Rejected = true
		res.Err = err
		pkg.LogInfo(pkg.ComponentScenario, "submit rejected", "request", st.Name, "error", err)
		return nil
	}
	res.Handle = h
	res.State = host.StateSubmitted
	return nil
}

func (s *SetupClause) packet(length int) (*hal.SetupPacket, error) {
	var v [4]int
	for i, text := range []string{s.RequestType, s.Request, s.Value, s.Index} {
		n, err := parseNumber(text)
		if err != nil {
			return nil, err
		}
		v[i] = n
	}
	return &hal.SetupPacket{
		RequestType: uint8(v[0]),
		Request:     uint8(v[1]),
		Value:       uint16(v[2]),
		Index:       uint16(v[3]),
		Length:      uint16(length),
	}, nil
}

func (r *Runner) lookup(name string) (*Result, error) {
	res, ok := r.results[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown request %q", pkg.ErrInvalidRequest, name)
	}
	return res, nil
}

func (r *Runner) cancel(st *CancelStmt) error {
	res, err := r.lookup(st.Name)
	if err != nil {
		return err
	}
	status := pkg.TransferStatusCancelled
	for _, opt := range st.Options {
		if opt.Name() != "status" {
			return fmt.Errorf("%w: cancel option %q", pkg.ErrInvalidParameter, opt.Name())
		}
		text, err := opt.Value.Text()
		if err != nil {
			return err
		}
		s, ok := pkg.ParseTransferStatus(text)
		if !ok {
			return fmt.Errorf("%w: status %q", pkg.ErrInvalidParameter, text)
		}
		status = s
	}
	return r.ctrl.Cancel(res.Handle, status)
}

func (r *Runner) dmaComplete(st *DMACompleteStmt) error {
	ch, err := parseNumber(st.Channel)
	if err != nil {
		return err
	}
	for _, opt := range st.Options {
		if opt.Name() != "remaining" {
			return fmt.Errorf("%w: dma-complete option %q", pkg.ErrInvalidParameter, opt.Name())
		}
		n, err := opt.Value.Int()
		if err != nil {
			return err
		}
		return r.bus.DMA().CompleteWithRemaining(ch, n)
	}
	return r.bus.DMA().Complete(ch)
}
