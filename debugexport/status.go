// Device status message type, for the debug export wire path
//
// Copyright (c) The PLX Bridge Driver Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package debugexport

import "fmt"

// DeviceStatus is a point-in-time snapshot of one attached device's state,
// hand-authored against the old golang/protobuf reflection API (struct tags
// plus Reset/String/ProtoMessage) rather than protoc-generated: the driver
// has no .proto source of its own, only this one wire-exported message, so
// generating a throwaway stub just to get the same field tags by hand would
// add a build step for no benefit.
type DeviceStatus struct {
	Chip              string   `protobuf:"bytes,1,opt,name=chip" json:"chip,omitempty"`
	State             string   `protobuf:"bytes,2,opt,name=state" json:"state,omitempty"`
	ActiveInterrupts  []string `protobuf:"bytes,3,rep,name=active_interrupts,json=activeInterrupts" json:"active_interrupts,omitempty"`
	DmaChannel0Status string   `protobuf:"bytes,4,opt,name=dma_channel0_status,json=dmaChannel0Status" json:"dma_channel0_status,omitempty"`
	DmaChannel1Status string   `protobuf:"bytes,5,opt,name=dma_channel1_status,json=dmaChannel1Status" json:"dma_channel1_status,omitempty"`
	DmaBufferBytesInUse uint64 `protobuf:"varint,6,opt,name=dma_buffer_bytes_in_use,json=dmaBufferBytesInUse" json:"dma_buffer_bytes_in_use,omitempty"`
	OpenOwnerCount    uint32   `protobuf:"varint,7,opt,name=open_owner_count,json=openOwnerCount" json:"open_owner_count,omitempty"`
}

func (m *DeviceStatus) Reset()         { *m = DeviceStatus{} }
func (m *DeviceStatus) String() string { return fmt.Sprintf("%+v", *m) }
func (*DeviceStatus) ProtoMessage()    {}
