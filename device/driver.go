package device

import (
	"gopheros/kernel"
	"io"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. Diagnostic output is
	// written to w.
	DriverInit(w io.Writer) *kernel.Error
}

// DetectOrder specifies when, relative to other drivers, a driver's Probe
// function should be invoked during hardware detection.
type DetectOrder uint8

// The list of supported detection orders, from earliest to latest.
const (
	DetectOrderEarly DetectOrder = iota
	DetectOrderBeforeACPI
	DetectOrderACPI
	DetectOrderLast
)

// DriverInfo describes a driver that can be probed for during hardware
// detection.
type DriverInfo struct {
	// Order controls when this driver's Probe function is invoked
	// relative to other registered drivers.
	Order DetectOrder

	// Probe attempts to detect the presence of the hardware that this
	// driver manages. It returns a ready-to-init Driver instance or nil
	// if the hardware is not present.
	Probe func() Driver
}

// DriverInfoList implements sort.Interface, ordering entries by Order.
type DriverInfoList []*DriverInfo

func (l DriverInfoList) Len() int           { return len(l) }
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }
func (l DriverInfoList) Swap(i, j int)      { l[i], l[j] = l[j], l[i] }

var registeredDrivers DriverInfoList

// RegisterDriver adds info to the list of known drivers. It is typically
// called from a driver package's init function.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns the list of all registered drivers.
func DriverList() DriverInfoList {
	return registeredDrivers
}
