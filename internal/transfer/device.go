package transfer

import (
	"time"

	"golang.org/x/exp/io/spi"
)

// Device is the full-duplex transport the Transfer Engine drives one
// cycle at a time. Do writes buf out and overwrites it in place with
// whatever came back on the line, giving the exchange() semantics a
// full-duplex SPI cycle needs. golang.org/x/exp/io/spi's *spi.Device
// already satisfies this.
type Device interface {
	Do(buf []byte, delay time.Duration) error
	Close() error
}

// OpenSPIDevice opens /dev/spidevBUS.CS in full-duplex mode at the given
// clock speed.
func OpenSPIDevice(bus, cs, maxSpeedHz int) (Device, error) {
	return spi.Open("", bus, cs, spi.Mode0, maxSpeedHz)
}
