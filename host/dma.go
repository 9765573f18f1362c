package host

import (
	"fmt"

	"github.com/ardnew/softotg/host/hal"
	"github.com/ardnew/softotg/pkg"
)

// Conventional channel roles. Either channel may serve either direction
// when its preferred peer is busy.
const (
	dmaChannelIn  = 0
	dmaChannelOut = 1
)

// dmaChannel is the binding state of one DMA channel.
type dmaChannel struct {
	id      int
	ep      *Endpoint
	dir     hal.Direction
	req     *request
	count   int
	addrSet bool
	lenSet  bool
	running bool
	dirty   bool // stopped without a reset
}

func (ch *dmaChannel) bound() bool {
	return ch.ep != nil
}

// dmaCoordinator owns the DMA channels and enforces the programming
// contract: bind, set address and set length before start, and a reset
// after every stop before the channel is bound again.
type dmaCoordinator struct {
	hw       hal.DMA
	channels []dmaChannel
}

func newDMACoordinator(hw hal.DMA) *dmaCoordinator {
	n := 0
	if hw != nil {
		n = hw.Channels()
	}
	d := &dmaCoordinator{hw: hw, channels: make([]dmaChannel, n)}
	for i := range d.channels {
		d.channels[i].id = i
	}
	return d
}

func (d *dmaCoordinator) channel(ch int) (*dmaChannel, error) {
	if ch < 0 || ch >= len(d.channels) {
		return nil, fmt.Errorf("%w: DMA channel %d", pkg.ErrInvalidParameter, ch)
	}
	return &d.channels[ch], nil
}

// acquire picks a free channel, preferring the conventional one for dir.
func (d *dmaCoordinator) acquire(dir hal.Direction) (int, bool) {
	preferred := dmaChannelOut
	if dir == hal.DirIn {
		preferred = dmaChannelIn
	}
	if preferred < len(d.channels) && !d.channels[preferred].bound() {
		return preferred, true
	}
	for i := range d.channels {
		if !d.channels[i].bound() {
			return i, true
		}
	}
	return -1, false
}

// bind attaches ch to an endpoint and direction.
func (d *dmaCoordinator) bind(ch int, ep *Endpoint, dir hal.Direction) error {
	c, err := d.channel(ch)
	if err != nil {
		return err
	}
	if c.bound() {
		return fmt.Errorf("%w: DMA channel %d bound to slot %d %v", pkg.ErrBusy, ch, c.ep.slot, c.dir)
	}
	if c.dirty {
		d.hw.Reset(ch)
		c.dirty = false
	}
	if err := d.hw.SetEndpoint(ch, ep.slot, dir); err != nil {
		return err
	}
	c.ep, c.dir = ep, dir
	ep.channel = ch
	pkg.LogDebug(pkg.ComponentDMA, "channel bound", "channel", ch, "slot", ep.slot, "dir", dir)
	return nil
}

func (d *dmaCoordinator) setAddress(ch int, buf []byte) error {
	c, err := d.channel(ch)
	if err != nil {
		return err
	}
	if !c.bound() || c.running {
		return fmt.Errorf("%w: set address on DMA channel %d", pkg.ErrInvalidState, ch)
	}
	if err := d.hw.SetAddress(ch, buf); err != nil {
		return err
	}
	c.addrSet = true
	return nil
}

func (d *dmaCoordinator) setLength(ch int, n int) error {
	c, err := d.channel(ch)
	if err != nil {
		return err
	}
	if !c.addrSet || c.running {
		return fmt.Errorf("%w: set length on DMA channel %d", pkg.ErrInvalidState, ch)
	}
	if err := d.hw.SetCount(ch, n); err != nil {
		return err
	}
	c.count = n
	c.lenSet = true
	return nil
}

// start marks the channel busy for its bound endpoint and direction.
func (d *dmaCoordinator) start(ch int, r *request) error {
	c, err := d.channel(ch)
	if err != nil {
		return err
	}
	if !c.bound() || !c.addrSet || !c.lenSet || c.running {
		return fmt.Errorf("%w: start on unprogrammed DMA channel %d", pkg.ErrInvalidState, ch)
	}
	if err := d.hw.Start(ch); err != nil {
		return err
	}
	c.running = true
	c.req = r
	return nil
}

// stop forces the channel to halt without waiting for completion.
func (d *dmaCoordinator) stop(ch int) {
	c, err := d.channel(ch)
	if err != nil {
		return
	}
	d.hw.Stop(ch)
	c.running = false
	c.dirty = true
}

func (d *dmaCoordinator) remaining(ch int) int {
	return d.hw.Remaining(ch)
}

// isComplete polls the completion interrupt of a running channel. A
// completed channel is no longer running but stays bound until unbind.
func (d *dmaCoordinator) isComplete(ch int) bool {
	c, err := d.channel(ch)
	if err != nil || !d.hw.Pending(ch) {
		return false
	}
	c.running = false
	return true
}

func (d *dmaCoordinator) clearPending(ch int) {
	d.hw.ClearPending(ch)
}

// unbind frees the channel. A stopped channel is reset so the next binding
// starts from zeroed counters.
func (d *dmaCoordinator) unbind(ch int) {
	c, err := d.channel(ch)
	if err != nil {
		return
	}
	if c.running {
		d.hw.Stop(ch)
		c.dirty = true
	}
	if c.dirty {
		d.hw.Reset(ch)
	}
	if c.ep != nil && c.ep.channel == ch {
		c.ep.channel = -1
	}
	pkg.LogDebug(pkg.ComponentDMA, "channel released", "channel", ch)
	*c = dmaChannel{id: ch}
}

// request returns the request a channel was started for.
func (d *dmaCoordinator) request(ch int) *request {
	c, err := d.channel(ch)
	if err != nil {
		return nil
	}
	return c.req
}

// boundCount returns the number of bound channels.
func (d *dmaCoordinator) boundCount() int {
	n := 0
	for i := range d.channels {
		if d.channels[i].bound() {
			n++
		}
	}
	return n
}
