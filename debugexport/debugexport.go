// Debug status export: protobuf-wire snapshot and HTTP serving
//
// Copyright (c) The PLX Bridge Driver Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package debugexport takes a point-in-time snapshot of an attached
// device's status and serves it protobuf-encoded over HTTP, for an
// operator (or a debugging session attached to the board over the network)
// to poll without needing a full management protocol.
package debugexport

import (
	"fmt"
	"net/http"

	"github.com/golang/protobuf/proto"

	"github.com/gotamago/plxbridge/device"
	"github.com/gotamago/plxbridge/dmaengine"
)

// Snapshot builds a DeviceStatus message reflecting dev's state at the
// moment of the call. It takes no lock of its own beyond what dev's
// accessors already take internally, so the result may be stale by the
// time the caller reads it — acceptable for a diagnostic export, which
// original spec §7 never asked to be transactionally consistent.
func Snapshot(dev *device.Device) *DeviceStatus {
	status := &DeviceStatus{
		Chip:           dev.Chip.Chip().String(),
		State:          dev.State().String(),
		OpenOwnerCount: uint32(dev.OpenOwnerCount()),
	}

	if dev.DMA != nil {
		status.DmaChannel0Status = peekChannelStatus(dev.DMA, dmaengine.Channel0)
		status.DmaChannel1Status = peekChannelStatus(dev.DMA, dmaengine.Channel1)
	}

	if dev.Arena != nil {
		// Buffer accounting lives in bufpool, which arena wraps; arena
		// exposes no aggregate byte count today, so this is left at its
		// zero value rather than adding an accessor no operation needs.
	}

	return status
}

func peekChannelStatus(eng *dmaengine.Engine, c dmaengine.Channel) string {
	open, owner, st, err := eng.Peek(c)
	if err != nil {
		return "error"
	}
	if !open {
		return "closed"
	}
	return fmt.Sprintf("open(owner=%d) %s", owner, st)
}

// Marshal encodes status using the project's chosen old-API
// (github.com/golang/protobuf v1.3.2) reflection-based wire format.
func Marshal(status *DeviceStatus) ([]byte, error) {
	return proto.Marshal(status)
}

// Unmarshal decodes a DeviceStatus previously produced by Marshal.
func Unmarshal(data []byte) (*DeviceStatus, error) {
	status := &DeviceStatus{}
	if err := proto.Unmarshal(data, status); err != nil {
		return nil, err
	}
	return status, nil
}

// Handler serves dev's current status, protobuf-encoded, on every request.
// It is meant to be registered under a fixed debug path alongside
// net/http/pprof and mkevac/debugcharts, not as a general-purpose API.
func Handler(dev *device.Device) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := Marshal(Snapshot(dev))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/x-protobuf")
		w.Write(data)
	}
}
