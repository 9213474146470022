// x86 I/O port access for legacy PCI configuration mechanism 1
//
// Copyright (c) The PLX Bridge Driver Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ioport abstracts x86 IN/OUT port instructions behind a small
// interface, the same role github.com/usbarmory/tamago's internal/reg
// port_amd64.go plays for the bare metal runtime — except here the concrete
// asm-backed implementation and a deterministic fake both satisfy the same
// interface, so config-space-bypass code is unit-testable with plain `go
// test` and only needs the real implementation when running under
// `GOOS=tamago GOARCH=amd64`.
package ioport

// Ports is the minimal x86 port I/O surface the legacy PCI CONFIG_ADDRESS /
// CONFIG_DATA mechanism needs.
type Ports interface {
	In32(port uint16) uint32
	Out32(port uint16, val uint32)
}
