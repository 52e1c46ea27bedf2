// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package aql models the HSA Architected Queuing Language packet protocol.
//
// A [Queue] is a power-of-two ring of 64-byte packet slots with a monotonic
// write index, a read index advanced by the packet processor, and a doorbell.
// Producers follow a three-step protocol:
//
//	base, err := q.TryReserve(2)          // claim slots (or q.Reserve to spin)
//	q.Packet(base).FillKernelDispatch(&p) // write the body, header stays INVALID
//	q.Packet(base).Commit(hdr, p.Setup)   // publish header|setup with release
//	q.RingDoorbell(base + 1)
//
// The header word is the only synchronization point. A [Processor] blocks on
// the first INVALID packet it encounters, so packet bodies may be filled in
// any order and by any goroutine as long as each header is committed last.
//
// # Layout
//
// Packet bodies are bit-compatible with the HSA runtime layout (little
// endian). The first 32-bit word holds the 16-bit header and the 16-bit
// setup (kernel dispatch) or type (agent dispatch) field:
//
//	bits 0-7    packet type
//	bit  8      barrier
//	bits 9-10   acquire fence scope
//	bits 11-12  release fence scope
//
// # Signals
//
// Completion signals are 64-bit handles into a [SignalTable]. Handle zero is
// the null signal. The processor stamps start/end timestamps and decrements
// the completion signal by one when a packet retires; barrier packets
// complete once their dependency signals reach zero.
//
// # Processor
//
// [Processor] is a model of the hardware packet processor. Kernel dispatch
// packets run Go functions registered in a [KernelTable] under a kernel
// object handle; agent dispatch packets are routed to an [AgentHandler].
// Launch releases the slot before the kernel body runs, mirroring hardware
// that copies the packet out before executing it.
package aql
