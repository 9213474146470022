// Control-operation dispatch table
//
// Copyright (c) The PLX Bridge Driver Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ioctl implements the thin fan-out from a single control entry
// point to the operations C1-C5 actually perform, plus the common
// parameter record and status-code vocabulary every operation speaks. It
// holds no logic of its own beyond argument validation and dispatch — every
// real decision is made by the subsystem a given Op names.
package ioctl

import (
	"context"
	"errors"
	"time"

	"github.com/gotamago/plxbridge/arena"
	"github.com/gotamago/plxbridge/bufpool"
	"github.com/gotamago/plxbridge/chipops"
	"github.com/gotamago/plxbridge/device"
	"github.com/gotamago/plxbridge/dmaengine"
	"github.com/gotamago/plxbridge/intr"
	"github.com/gotamago/plxbridge/registry"
)

// Op identifies a control operation.
type Op int

const (
	OpDeviceFind Op = iota
	OpChipTypeGet
	OpDeviceReset
	OpRegisterRead
	OpRegisterWrite
	OpIntrEnable
	OpIntrDisable
	OpNotificationRegisterFor
	OpNotificationWait
	OpNotificationStatus
	OpNotificationCancel
	OpBarSpaceRead
	OpBarSpaceWrite
	OpPhysicalMemAllocate
	OpPhysicalMemFree
	OpDmaChannelOpen
	OpDmaChannelClose
	OpDmaChannelControl
	OpDmaChannelStatus
	OpDmaChannelTransferBlock
	OpDmaChannelTransferUserBuffer
)

// Status is the error-code vocabulary every Params response carries.
type Status int

const (
	Success Status = iota
	InvalidOffset
	InvalidIndex
	InvalidAddress
	InvalidSize
	InvalidAccessType
	NullParam
	InsufficientResources
	UnsupportedFunction
	WaitTimeout
	WaitCanceled
	Failed
	DmaChannelInvalid
	DmaChannelUnavailable
	DmaInProgress
	DmaPaused
	DmaDone
	DmaCommandInvalid
	DmaSglPagesGetError
	DmaSglPagesLockError
	DeviceInUse
	PowerDown
	ConfigAccessFailed
	VPDNotSupported
	InvalidData
)

func (s Status) String() string {
	names := [...]string{
		"Success", "InvalidOffset", "InvalidIndex", "InvalidAddress", "InvalidSize",
		"InvalidAccessType", "NullParam", "InsufficientResources", "UnsupportedFunction",
		"WaitTimeout", "WaitCanceled", "Failed", "DmaChannelInvalid", "DmaChannelUnavailable",
		"DmaInProgress", "DmaPaused", "DmaDone", "DmaCommandInvalid", "DmaSglPagesGetError",
		"DmaSglPagesLockError", "DeviceInUse", "PowerDown", "ConfigAccessFailed",
		"VPDNotSupported", "InvalidData",
	}
	if int(s) < 0 || int(s) >= len(names) {
		return "Unknown"
	}
	return names[s]
}

// Params is the common parameter record every control operation exchanges:
// a status result, the device key the caller targeted (for management-node
// operations that address a device by query rather than an open handle),
// three general-purpose u64 slots, and an operation-specific payload.
type Params struct {
	Status   Status
	Query    registry.DeviceKey
	Slot     [3]uint64
	Payload  interface{}
}

// DeviceFindPayload is OpDeviceFind's typed payload.
type DeviceFindPayload struct {
	Nth    uint16
	Result registry.DeviceKey
	Count  uint16
}

// ChipTypeGetPayload is OpChipTypeGet's typed payload.
type ChipTypeGetPayload struct {
	Chip     chipops.Chip
	Revision uint32
}

// RegisterAccessPayload is OpRegisterRead/OpRegisterWrite's typed payload.
type RegisterAccessPayload struct {
	Offset uint16
	Value  uint32
}

// NotificationPayload covers the wait-object lifecycle operations. Cause is
// populated by OpNotificationWait with the sources that satisfied that
// particular wait, and by OpNotificationStatus with the accumulated sources
// read-and-cleared
// since the last status read — the two are independent views over the same
// wait object, not the same value.
type NotificationPayload struct {
	Spec    intr.NotifySpec
	Timeout time.Duration
	Cause   intr.Mask
	State   intr.State
	handle  *intr.WaitObject
}

// BarSpacePayload is OpBarSpaceRead/OpBarSpaceWrite's typed payload.
// AccessWidth is the access size in bits (8, 16 or 32). Remap requests the
// chip's remap-register windowed transfer, letting Offset range over a
// larger local-bus address space than the BAR's own mapped window.
type BarSpacePayload struct {
	Bar         int
	Offset      uint32
	Data        []byte
	AccessWidth int
	Remap       bool
}

// PhysicalMemPayload covers OpPhysicalMemAllocate/Free.
type PhysicalMemPayload struct {
	Request bufpool.Request
	Addr    uint
	Bytes   []byte
}

// DmaControlPayload covers the DMA channel operations.
type DmaControlPayload struct {
	Channel  dmaengine.Channel
	Props    dmaengine.ChannelProps
	PCIAddr  uint32
	LocalAddr uint32
	Size     uint32
	Buffer   []byte
	Direction dmaengine.Direction
	CheckInProgress bool
	Status   dmaengine.Status
}

// Dispatcher fans out Op values against one open Handle's Device. A
// management-node request that needs to resolve a device from the
// registry first calls Registry.Find, then looks up the resulting key's
// live Device via Devices.
type Dispatcher struct {
	Registry *registry.Registry
	Devices  map[registry.DeviceKey]*device.Device
}

// NewDispatcher creates a Dispatcher over reg, resolving device keys found
// there against devices.
func NewDispatcher(reg *registry.Registry, devices map[registry.DeviceKey]*device.Device) *Dispatcher {
	return &Dispatcher{Registry: reg, Devices: devices}
}

// Dispatch executes op against dev (the device the calling handle was
// opened on) and h (the calling handle), using and mutating p.Payload in
// place, and returns the resulting status.
func (d *Dispatcher) Dispatch(ctx context.Context, dev *device.Device, h *device.Handle, op Op, p *Params) Status {
	switch op {
	case OpDeviceFind:
		return d.dispatchDeviceFind(p)
	case OpChipTypeGet:
		return d.dispatchChipTypeGet(dev, p)
	case OpDeviceReset:
		return d.dispatchDeviceReset(dev, p)
	case OpRegisterRead:
		return d.dispatchRegisterRead(dev, p)
	case OpRegisterWrite:
		return d.dispatchRegisterWrite(dev, p)
	case OpIntrEnable:
		dev.Intr.EnableInterrupts()
		p.Status = Success
		return p.Status
	case OpIntrDisable:
		dev.Intr.DisableInterrupts()
		p.Status = Success
		return p.Status
	case OpNotificationRegisterFor:
		return d.dispatchNotificationRegister(dev, h, p)
	case OpNotificationWait:
		return d.dispatchNotificationWait(ctx, p)
	case OpNotificationStatus:
		return d.dispatchNotificationStatus(p)
	case OpNotificationCancel:
		return d.dispatchNotificationCancel(dev, h, p)
	case OpBarSpaceRead:
		return d.dispatchBarSpaceRead(dev, p)
	case OpBarSpaceWrite:
		return d.dispatchBarSpaceWrite(dev, p)
	case OpPhysicalMemAllocate:
		return d.dispatchPhysicalMemAllocate(dev, h, p)
	case OpPhysicalMemFree:
		return d.dispatchPhysicalMemFree(dev, h, p)
	case OpDmaChannelOpen:
		return d.dispatchDmaOpen(dev, h, p)
	case OpDmaChannelClose:
		return d.dispatchDmaClose(dev, h, p)
	case OpDmaChannelControl:
		return d.dispatchDmaControl(dev, h, p)
	case OpDmaChannelStatus:
		return d.dispatchDmaStatus(dev, h, p)
	case OpDmaChannelTransferBlock:
		return d.dispatchDmaBlock(dev, h, p)
	case OpDmaChannelTransferUserBuffer:
		return d.dispatchDmaSGL(dev, h, p)
	default:
		p.Status = UnsupportedFunction
		return p.Status
	}
}

func (d *Dispatcher) dispatchDeviceFind(p *Params) Status {
	payload, ok := p.Payload.(*DeviceFindPayload)
	if !ok {
		p.Status = NullParam
		return p.Status
	}

	found, err := d.Registry.Find(p.Query, payload.Nth)
	if err != nil {
		if nf, ok := err.(*registry.ErrNotFound); ok {
			payload.Count = nf.Count
		}
		p.Status = InvalidIndex
		return p.Status
	}

	payload.Result = found
	p.Status = Success
	return p.Status
}

func (d *Dispatcher) dispatchChipTypeGet(dev *device.Device, p *Params) Status {
	payload, ok := p.Payload.(*ChipTypeGetPayload)
	if !ok {
		p.Status = NullParam
		return p.Status
	}

	payload.Chip = dev.Chip.Chip()
	p.Status = Success
	return p.Status
}

func (d *Dispatcher) dispatchDeviceReset(dev *device.Device, p *Params) Status {
	if dev.Arena == nil {
		p.Status = Failed
		return p.Status
	}

	err := dev.Chip.BoardReset(dev.Arena.RegisterModify)
	if err != nil {
		p.Status = Failed
		return p.Status
	}

	p.Status = Success
	return p.Status
}

func (d *Dispatcher) dispatchRegisterRead(dev *device.Device, p *Params) Status {
	payload, ok := p.Payload.(*RegisterAccessPayload)
	if !ok {
		p.Status = NullParam
		return p.Status
	}

	val, err := dev.Arena.RegisterRead(payload.Offset)
	if err != nil {
		p.Status = ConfigAccessFailed
		return p.Status
	}

	payload.Value = val
	p.Status = Success
	return p.Status
}

func (d *Dispatcher) dispatchRegisterWrite(dev *device.Device, p *Params) Status {
	payload, ok := p.Payload.(*RegisterAccessPayload)
	if !ok {
		p.Status = NullParam
		return p.Status
	}

	err := dev.Arena.RegisterModify(payload.Offset, func(uint32) uint32 { return payload.Value })
	if err != nil {
		p.Status = ConfigAccessFailed
		return p.Status
	}

	p.Status = Success
	return p.Status
}

func (d *Dispatcher) dispatchNotificationRegister(dev *device.Device, h *device.Handle, p *Params) Status {
	payload, ok := p.Payload.(*NotificationPayload)
	if !ok {
		p.Status = NullParam
		return p.Status
	}

	payload.handle = dev.RegisterWait(h, payload.Spec)
	p.Status = Success
	return p.Status
}

func (d *Dispatcher) dispatchNotificationWait(ctx context.Context, p *Params) Status {
	payload, ok := p.Payload.(*NotificationPayload)
	if !ok || payload.handle == nil {
		p.Status = NullParam
		return p.Status
	}

	waitCtx := ctx
	var cancel context.CancelFunc
	if payload.Timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, payload.Timeout)
		defer cancel()
	}

	cause, err := payload.handle.Wait(waitCtx)
	if err != nil {
		if err == intr.ErrCancelled {
			p.Status = WaitCanceled
		} else {
			p.Status = WaitTimeout
		}
		return p.Status
	}

	payload.Cause = cause
	p.Status = Success
	return p.Status
}

func (d *Dispatcher) dispatchNotificationStatus(p *Params) Status {
	payload, ok := p.Payload.(*NotificationPayload)
	if !ok || payload.handle == nil {
		p.Status = NullParam
		return p.Status
	}

	payload.State = payload.handle.Status()
	payload.Cause = payload.handle.ReadAndClearSources()
	p.Status = Success
	return p.Status
}

func (d *Dispatcher) dispatchNotificationCancel(dev *device.Device, h *device.Handle, p *Params) Status {
	payload, ok := p.Payload.(*NotificationPayload)
	if !ok || payload.handle == nil {
		p.Status = NullParam
		return p.Status
	}

	dev.CancelWait(h, payload.handle)
	p.Status = Success
	return p.Status
}

func (d *Dispatcher) dispatchBarSpaceRead(dev *device.Device, p *Params) Status {
	payload, ok := p.Payload.(*BarSpacePayload)
	if !ok {
		p.Status = NullParam
		return p.Status
	}

	err := dev.Arena.BarTransferRead(payload.Bar, payload.Offset, payload.Data, payload.AccessWidth, payload.Remap)
	p.Status = barTransferStatus(err)
	return p.Status
}

func (d *Dispatcher) dispatchBarSpaceWrite(dev *device.Device, p *Params) Status {
	payload, ok := p.Payload.(*BarSpacePayload)
	if !ok {
		p.Status = NullParam
		return p.Status
	}

	err := dev.Arena.BarTransferWrite(payload.Bar, payload.Offset, payload.Data, payload.AccessWidth, payload.Remap)
	p.Status = barTransferStatus(err)
	return p.Status
}

// barTransferStatus maps arena's BarTransferRead/Write argument-validation
// errors onto the ioctl status vocabulary the rest of dispatch uses.
func barTransferStatus(err error) Status {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, arena.ErrInvalidSize):
		return InvalidSize
	case errors.Is(err, arena.ErrMisalignedAccess), errors.Is(err, arena.ErrInvalidAccessWidth):
		return InvalidAccessType
	case errors.Is(err, arena.ErrNoRemapRegister):
		return UnsupportedFunction
	default:
		return InvalidIndex
	}
}

func (d *Dispatcher) dispatchPhysicalMemAllocate(dev *device.Device, h *device.Handle, p *Params) Status {
	payload, ok := p.Payload.(*PhysicalMemPayload)
	if !ok {
		p.Status = NullParam
		return p.Status
	}

	buf, alloc, err := dev.MapDMABuffer(h, payload.Request)
	if err != nil {
		p.Status = InsufficientResources
		return p.Status
	}

	payload.Addr = alloc.Addr
	payload.Bytes = buf
	p.Status = Success
	return p.Status
}

func (d *Dispatcher) dispatchPhysicalMemFree(dev *device.Device, h *device.Handle, p *Params) Status {
	payload, ok := p.Payload.(*PhysicalMemPayload)
	if !ok {
		p.Status = NullParam
		return p.Status
	}

	if err := dev.Arena.FreeDMABuffer(payload.Addr, h.Owner()); err != nil {
		p.Status = Failed
		return p.Status
	}

	p.Status = Success
	return p.Status
}

func (d *Dispatcher) dispatchDmaOpen(dev *device.Device, h *device.Handle, p *Params) Status {
	payload, ok := p.Payload.(*DmaControlPayload)
	if !ok {
		p.Status = NullParam
		return p.Status
	}

	if err := dev.DMA.Open(payload.Channel, h.Owner()); err != nil {
		p.Status = statusFromDMAErr(err)
		return p.Status
	}

	p.Status = Success
	return p.Status
}

func (d *Dispatcher) dispatchDmaClose(dev *device.Device, h *device.Handle, p *Params) Status {
	payload, ok := p.Payload.(*DmaControlPayload)
	if !ok {
		p.Status = NullParam
		return p.Status
	}

	if err := dev.DMA.Close(payload.Channel, h.Owner(), payload.CheckInProgress); err != nil {
		p.Status = statusFromDMAErr(err)
		return p.Status
	}

	p.Status = Success
	return p.Status
}

func (d *Dispatcher) dispatchDmaControl(dev *device.Device, h *device.Handle, p *Params) Status {
	payload, ok := p.Payload.(*DmaControlPayload)
	if !ok {
		p.Status = NullParam
		return p.Status
	}

	if err := dev.DMA.Configure(payload.Channel, h.Owner(), payload.Props); err != nil {
		p.Status = statusFromDMAErr(err)
		return p.Status
	}

	p.Status = Success
	return p.Status
}

func (d *Dispatcher) dispatchDmaStatus(dev *device.Device, h *device.Handle, p *Params) Status {
	payload, ok := p.Payload.(*DmaControlPayload)
	if !ok {
		p.Status = NullParam
		return p.Status
	}

	st, err := dev.DMA.Status(payload.Channel, h.Owner())
	if err != nil {
		p.Status = statusFromDMAErr(err)
		return p.Status
	}

	payload.Status = st
	p.Status = Success
	return p.Status
}

func (d *Dispatcher) dispatchDmaBlock(dev *device.Device, h *device.Handle, p *Params) Status {
	payload, ok := p.Payload.(*DmaControlPayload)
	if !ok {
		p.Status = NullParam
		return p.Status
	}

	err := dev.DMA.BlockTransfer(payload.Channel, h.Owner(), payload.PCIAddr, payload.LocalAddr, payload.Size)
	if err != nil {
		p.Status = statusFromDMAErr(err)
		return p.Status
	}

	p.Status = Success
	return p.Status
}

func (d *Dispatcher) dispatchDmaSGL(dev *device.Device, h *device.Handle, p *Params) Status {
	payload, ok := p.Payload.(*DmaControlPayload)
	if !ok {
		p.Status = NullParam
		return p.Status
	}

	err := dev.DMA.SGLTransfer(payload.Channel, h.Owner(), payload.Buffer, payload.Direction, payload.LocalAddr)
	if err != nil {
		p.Status = statusFromDMAErr(err)
		return p.Status
	}

	p.Status = Success
	return p.Status
}

func statusFromDMAErr(err error) Status {
	switch err {
	case dmaengine.ErrChannelBusy, dmaengine.ErrInProgress:
		return DmaInProgress
	case dmaengine.ErrNotOwner:
		return DeviceInUse
	case dmaengine.ErrNotOpen:
		return DmaChannelUnavailable
	case dmaengine.ErrAlreadyOpen:
		return DeviceInUse
	case dmaengine.ErrSGLPending:
		return DmaInProgress
	default:
		return Failed
	}
}
