// MIT License
//
// Copyright (c) 2016-2017 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package netchan

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sagernet/netchan/chanerr"
)

// WaterMark brackets the writability flag's transitions.
// Low must be <= High; SetOption(OptionWriteBufferWaterMark, ...) rejects a
// value whose Low exceeds its High.
type WaterMark struct {
	High, Low int
}

// DefaultWaterMark matches common stream-transport defaults: 64KiB high,
// 32KiB low.
var DefaultWaterMark = WaterMark{High: 64 * 1024, Low: 32 * 1024}

// Allocator allocates byte buffers for inbound reads, configurable via the
// BUFFER_ALLOCATOR option. The default pool-backed allocator recycles
// buffers the same way a connection-multiplexing session recycles frame
// buffers: Get on demand, Put back once the caller is done with it.
type Allocator interface {
	Get(size int) []byte
	Put(buf []byte)
}

// SizeEstimator estimates the pending-bytes cost of an outbound message,
// configurable via the MESSAGE_SIZE_ESTIMATOR option. A negative estimate
// is floored to 0 by write0.
type SizeEstimator interface {
	EstimateSize(msg any) int
}

// ByteSizeEstimator sizes []byte and string messages by length and
// estimates everything else as 0 (a reasonable default for a core that does
// not know about application framing).
type ByteSizeEstimator struct{}

func (ByteSizeEstimator) EstimateSize(msg any) int {
	switch v := msg.(type) {
	case []byte:
		return len(v)
	case string:
		return len(v)
	default:
		return 0
	}
}

// Metadata describes static transport characteristics the default handle
// factories use to bound loop iterations.
type Metadata struct {
	// MaxMessagesPerRead bounds how many ChannelRead events readNow fires
	// per doReadNow batch before yielding. Set to 1 to force one message
	// per explicit Read() call.
	MaxMessagesPerRead int
}

// DefaultMetadata allows up to 16 messages per read batch.
var DefaultMetadata = Metadata{MaxMessagesPerRead: 16}

// ReadHandleFactory produces a ReadHandle for a Channel, configurable via
// the READ_HANDLE_FACTORY option.
type ReadHandleFactory interface {
	NewHandle(meta Metadata) ReadHandle
}

// WriteHandleFactory produces a WriteHandle for a Channel, configurable via
// the WRITE_HANDLE_FACTORY option.
type WriteHandleFactory interface {
	NewHandle() WriteHandle
}

type defaultReadHandleFactory struct{}

func (defaultReadHandleFactory) NewHandle(meta Metadata) ReadHandle {
	limit := meta.MaxMessagesPerRead
	if limit <= 0 {
		limit = 1
	}
	return &fixedReadHandle{limit: limit, bufCap: 4096}
}

type defaultWriteHandleFactory struct{}

func (defaultWriteHandleFactory) NewHandle() WriteHandle {
	return &fixedWriteHandle{maxBytes: 1 << 16}
}

// DefaultReadHandleFactory is the factory used when no READ_HANDLE_FACTORY
// option is set.
var DefaultReadHandleFactory ReadHandleFactory = defaultReadHandleFactory{}

// DefaultWriteHandleFactory is the factory used when no WRITE_HANDLE_FACTORY
// option is set.
var DefaultWriteHandleFactory WriteHandleFactory = defaultWriteHandleFactory{}

// Option identifies one recognized configuration knob. Unknown option
// names raise KindUnsupported; a transport-specific option surface is out
// of scope for the core.
type Option string

const (
	OptionAutoRead              Option = "AUTO_READ"
	OptionAutoClose             Option = "AUTO_CLOSE"
	OptionAllowHalfClosure      Option = "ALLOW_HALF_CLOSURE"
	OptionBufferAllocator       Option = "BUFFER_ALLOCATOR"
	OptionReadHandleFactory     Option = "READ_HANDLE_FACTORY"
	OptionWriteHandleFactory    Option = "WRITE_HANDLE_FACTORY"
	OptionMessageSizeEstimator  Option = "MESSAGE_SIZE_ESTIMATOR"
	OptionConnectTimeoutMillis  Option = "CONNECT_TIMEOUT_MILLIS"
	OptionWriteBufferWaterMark  Option = "WRITE_BUFFER_WATER_MARK"
)

// Options holds the typed configuration table. autoRead is an atomic int32
// so it is safely readable/writable cross-thread; everything else here is
// only ever mutated on the owning loop once the Channel exists, except via
// the documented cross-thread setters on Channel.
type Options struct {
	autoRead           int32 // atomic bool
	autoClose          bool
	allowHalfClosure   bool
	allocator          Allocator
	readHandleFactory  ReadHandleFactory
	writeHandleFactory WriteHandleFactory
	sizeEstimator      SizeEstimator
	connectTimeout     time.Duration
	waterMark          atomic.Pointer[WaterMark]
}

// NewOptions returns an Options table with sensible defaults: AUTO_READ
// and AUTO_CLOSE on, half-closure disallowed, a 30s connect timeout, and
// DefaultWaterMark.
func NewOptions() *Options {
	o := &Options{
		autoRead:           1,
		autoClose:          true,
		allowHalfClosure:   false,
		allocator:          newPoolAllocator(),
		readHandleFactory:  DefaultReadHandleFactory,
		writeHandleFactory: DefaultWriteHandleFactory,
		sizeEstimator:      ByteSizeEstimator{},
		connectTimeout:     30 * time.Second,
	}
	wm := DefaultWaterMark
	o.waterMark.Store(&wm)
	return o
}

func (o *Options) AutoRead() bool                { return atomic.LoadInt32(&o.autoRead) == 1 }
func (o *Options) AllowHalfClosure() bool        { return o.allowHalfClosure }
func (o *Options) AutoClose() bool               { return o.autoClose }
func (o *Options) ConnectTimeout() time.Duration { return o.connectTimeout }
func (o *Options) WaterMark() WaterMark          { return *o.waterMark.Load() }
func (o *Options) Allocator() Allocator          { return o.allocator }
func (o *Options) SizeEstimator() SizeEstimator  { return o.sizeEstimator }
func (o *Options) ReadHandleFactory() ReadHandleFactory   { return o.readHandleFactory }
func (o *Options) WriteHandleFactory() WriteHandleFactory { return o.writeHandleFactory }

// set applies a named option. Called on the owning loop by Channel.SetOption.
func (o *Options) set(name Option, value any) error {
	switch name {
	case OptionAutoRead:
		v, ok := value.(bool)
		if !ok {
			return badOptionValue(name, value)
		}
		if v {
			atomic.StoreInt32(&o.autoRead, 1)
		} else {
			atomic.StoreInt32(&o.autoRead, 0)
		}
	case OptionAutoClose:
		v, ok := value.(bool)
		if !ok {
			return badOptionValue(name, value)
		}
		o.autoClose = v
	case OptionAllowHalfClosure:
		v, ok := value.(bool)
		if !ok {
			return badOptionValue(name, value)
		}
		o.allowHalfClosure = v
	case OptionBufferAllocator:
		v, ok := value.(Allocator)
		if !ok {
			return badOptionValue(name, value)
		}
		o.allocator = v
	case OptionReadHandleFactory:
		v, ok := value.(ReadHandleFactory)
		if !ok {
			return badOptionValue(name, value)
		}
		o.readHandleFactory = v
	case OptionWriteHandleFactory:
		v, ok := value.(WriteHandleFactory)
		if !ok {
			return badOptionValue(name, value)
		}
		o.writeHandleFactory = v
	case OptionMessageSizeEstimator:
		v, ok := value.(SizeEstimator)
		if !ok {
			return badOptionValue(name, value)
		}
		o.sizeEstimator = v
	case OptionConnectTimeoutMillis:
		v, ok := value.(int)
		if !ok {
			return badOptionValue(name, value)
		}
		if v < 0 {
			return badOptionValue(name, value)
		}
		o.connectTimeout = time.Duration(v) * time.Millisecond
	case OptionWriteBufferWaterMark:
		v, ok := value.(WaterMark)
		if !ok {
			return badOptionValue(name, value)
		}
		if v.Low > v.High {
			return badOptionValue(name, value)
		}
		wm := v
		o.waterMark.Store(&wm)
	default:
		return chanerr.New(chanerr.KindUnsupported, fmt.Sprintf("unsupported option %q", name))
	}
	return nil
}

func badOptionValue(name Option, value any) error {
	return chanerr.New(chanerr.KindUnsupported, fmt.Sprintf("invalid value %v for option %q", value, name))
}
