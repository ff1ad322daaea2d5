package transfer

import (
	"fmt"
	"os"
	"strconv"
)

// HandshakeLines is the pair of GPIO signals the transfer cycle's
// handshake step drives: the SBC asserts its ready line, waits for the
// firmware's ready line, and on timeout toggles a shared
// transfer-direction line before retrying. Implementations talk
// directly to the kernel's sysfs GPIO interface, the same way
// golang.org/x/exp/io/spi talks directly to /dev/spidevB.C.
type HandshakeLines interface {
	AssertReady() error
	DeassertReady() error
	FirmwareReady() (bool, error)
	ToggleDirection() error
}

// SysfsLines drives /sys/class/gpio/gpioN/value files for the ready and
// direction lines. Lines must already be exported and configured (as
// output for ready/direction, input for firmware-ready) before use;
// export/direction setup is a deployment concern, not this daemon's.
type SysfsLines struct {
	readyPath      string
	firmwareRdPath string
	directionPath  string
	directionState bool
}

func NewSysfsLines(readyGPIO, firmwareReadyGPIO, directionGPIO int) *SysfsLines {
	path := func(n int) string {
		return fmt.Sprintf("/sys/class/gpio/gpio%d/value", n)
	}
	return &SysfsLines{
		readyPath:      path(readyGPIO),
		firmwareRdPath: path(firmwareReadyGPIO),
		directionPath:  path(directionGPIO),
	}
}

func (s *SysfsLines) AssertReady() error   { return writeGPIO(s.readyPath, true) }
func (s *SysfsLines) DeassertReady() error { return writeGPIO(s.readyPath, false) }

func (s *SysfsLines) FirmwareReady() (bool, error) {
	return readGPIO(s.firmwareRdPath)
}

func (s *SysfsLines) ToggleDirection() error {
	s.directionState = !s.directionState
	return writeGPIO(s.directionPath, s.directionState)
}

func writeGPIO(path string, high bool) error {
	v := "0"
	if high {
		v = "1"
	}
	return os.WriteFile(path, []byte(v), 0o644)
}

func readGPIO(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	n, err := strconv.Atoi(string(trimNewline(data)))
	if err != nil {
		return false, fmt.Errorf("transfer: unexpected gpio value %q", data)
	}
	return n != 0, nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r' || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	return b
}
