// USB-CDC backed Endpoint, bypassing the host's CDC-ACM serial driver by
// claiming the interface and its bulk endpoints directly for any
// caller-supplied device descriptor.
package transport

import (
	"fmt"

	"github.com/google/gousb"
)

// USBDescriptor identifies the device and bulk endpoints to claim. Boot
// ROMs typically enumerate a single CDC data interface with one bulk IN
// and one bulk OUT endpoint.
type USBDescriptor struct {
	VendorID    gousb.ID
	ProductID   gousb.ID
	ConfigNum   int
	InterfaceNum int
	AltSetting  int
	EndpointIn  int
	EndpointOut int
}

// usbEndpoint adapts a claimed gousb interface's bulk endpoints to the
// Endpoint interface.
type usbEndpoint struct {
	ctx   *gousb.Context
	dev   *gousb.Device
	cfg   *gousb.Config
	intf  *gousb.Interface
	epIn  *gousb.InEndpoint
	epOut *gousb.OutEndpoint
}

// OpenUSBEndpoint opens desc's device via gousb and claims its bulk
// endpoints, bypassing whatever kernel CDC-ACM driver would otherwise own
// the interface.
func OpenUSBEndpoint(desc USBDescriptor) (Endpoint, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(desc.VendorID, desc.ProductID)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("open usb device: %w", err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("usb device not found (VID:%s PID:%s)", desc.VendorID, desc.ProductID)
	}

	cfg, err := dev.Config(desc.ConfigNum)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("set usb config: %w", err)
	}

	intf, err := cfg.Interface(desc.InterfaceNum, desc.AltSetting)
	if err != nil {
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("claim usb interface: %w", err)
	}

	epIn, err := intf.InEndpoint(desc.EndpointIn)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("open in endpoint: %w", err)
	}

	epOut, err := intf.OutEndpoint(desc.EndpointOut)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("open out endpoint: %w", err)
	}

	return &usbEndpoint{ctx: ctx, dev: dev, cfg: cfg, intf: intf, epIn: epIn, epOut: epOut}, nil
}

func (e *usbEndpoint) Read(p []byte) (int, error) {
	return e.epIn.Read(p)
}

func (e *usbEndpoint) Write(p []byte) (int, error) {
	return e.epOut.Write(p)
}

func (e *usbEndpoint) Close() error {
	e.intf.Close()
	e.cfg.Close()
	err := e.dev.Close()
	e.ctx.Close()
	return err
}
