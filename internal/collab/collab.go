// Package collab defines the narrow contracts the Action Dispatcher
// requires from collaborators spec.md §1 names but deliberately leaves
// unspecified: LED/GPIO/device-power drivers and the service-manager
// lifecycle. The Action Dispatcher depends only on these interfaces, so
// it is testable with fakes and pluggable against whatever hardware
// binding a deployment provides.
package collab

import "context"

// LEDDriver renders one LED action onto a device identified by alias.
// Pixel == action.PixelFill means "every pixel".
type LEDDriver interface {
	SetPixel(ctx context.Context, deviceAlias string, pixel uint8, r, g, b uint8, effect string, durationMS uint32) error
}

// GPIODriver drives a single GPIO pin, optionally for pulseWidthMS before
// reverting (pulseWidthMS == 0 means hold the level).
type GPIODriver interface {
	SetLevel(ctx context.Context, pin uint16, level bool, pulseWidthMS uint32) error
}

// DeviceController issues power/reset verbs against a named device.
type DeviceController interface {
	Control(ctx context.Context, deviceAlias string, verb string) error
}
