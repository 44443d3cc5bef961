// Package serial implements an io.Writer over a 16550-compatible UART, used
// as an early, framebuffer-independent logging sink during bring-up before
// the console driver is attached.
package serial

import "gopheros/kernel/cpu"

// COM port base I/O addresses.
const (
	COM1 uint16 = 0x3f8
	COM2 uint16 = 0x2f8
	COM3 uint16 = 0x3e8
	COM4 uint16 = 0x2e8
)

const (
	offData       = 0
	offIntEnable  = 1
	offFIFOCtrl   = 2
	offLineCtrl   = 3
	offModemCtrl  = 4
	offLineStatus = 5

	lineCtrlDLAB    = 1 << 7
	lineCtrl8N1     = 0x03
	fifoCtrlEnable  = 0xc7
	modemCtrlNormal = 0x0b

	lineStatusTxEmpty = 1 << 5

	divisorBaud115200 = 1
)

var (
	outb = cpu.Outb
	inb  = cpu.Inb
)

// Port is a UART writer bound to one COM port's base I/O address.
type Port struct {
	base uint16
}

// New initializes the UART at base for 115200 8N1 and returns a Port ready
// to write to it.
func New(base uint16) *Port {
	outb(base+offIntEnable, 0x00) // disable interrupts
	outb(base+offLineCtrl, lineCtrlDLAB)
	outb(base+offData, divisorBaud115200&0xff)
	outb(base+offIntEnable, (divisorBaud115200>>8)&0xff)
	outb(base+offLineCtrl, lineCtrl8N1)
	outb(base+offFIFOCtrl, fifoCtrlEnable)
	outb(base+offModemCtrl, modemCtrlNormal)

	return &Port{base: base}
}

func (p *Port) txReady() bool {
	return inb(p.base+offLineStatus)&lineStatusTxEmpty != 0
}

func (p *Port) writeByte(b byte) {
	for !p.txReady() {
	}
	outb(p.base+offData, b)
}

// Write implements io.Writer, busy-waiting for the transmit holding register
// to drain between bytes. '\n' is preceded by '\r' so a plain terminal
// doesn't stairstep the output.
func (p *Port) Write(data []byte) (int, error) {
	for _, b := range data {
		if b == '\n' {
			p.writeByte('\r')
		}
		p.writeByte(b)
	}
	return len(data), nil
}
