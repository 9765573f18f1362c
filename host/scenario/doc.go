// Package scenario runs scripted sessions against a transfer controller on
// the simulated bus.
//
// A script is a sequence of statements, one per line by convention, with
// # comments. Options are written key=value without spaces.
//
//	config dma_threshold=256         # before anything else
//	attach [low|full|high]           # connect and wait for the attach
//	detach                           # disconnect and wait for the detach
//	tick detached attached ...       # feed hotplug samples one by one
//	advance 20ms                     # run the clock
//	enable 0x81 bulk maxp=64         # enable an endpoint
//	disable 0x81
//	queue 0x81 100                   # device IN data (0x80: control response)
//	fault 0x81 no-handshake 3        # fail the next hardware attempts
//	busy 0x02 on                     # force FIFO busy
//	submit NAME 0x81 4096            # named transfer
//	submit NAME 0x80 18 setup 0x80 0x06 0x0100 0x0000
//	cancel NAME [status=timeout]
//	dma-complete 0 [remaining=0]
//	irq
//	expect request NAME STATE [status=S] [actual=N]
//	expect channel 0 NAME|free
//	expect events attached device-gone ...
//	expect endpoint 0x81 unlinked=2 stalled=false
//
// Interrupts are serviced after every statement and after every simulated
// millisecond, so a statement sees the controller settled.
package scenario
