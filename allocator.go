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

import "sync"

// poolAllocator is the default Allocator (BUFFER_ALLOCATOR option),
// grounded on the teacher's defaultAllocator.Get/.Put recycling idiom
// (session.go's cmdPSH handling reads into a pooled buffer; stream.go's
// pushBytes/recycleTokens hands pooled buffers back). Buffers are bucketed
// by power-of-two size classes so Put can always find a matching pool.
type poolAllocator struct {
	pools [numBuckets]sync.Pool
}

const (
	minBucketShift = 6 // smallest bucket is 64 bytes
	numBuckets     = 16
)

func newPoolAllocator() *poolAllocator {
	a := &poolAllocator{}
	for i := range a.pools {
		size := 1 << (minBucketShift + i)
		a.pools[i] = sync.Pool{New: func() any {
			buf := make([]byte, size)
			return &buf
		}}
	}
	return a
}

func bucketFor(size int) int {
	shift := minBucketShift
	bucket := 0
	for (1 << shift) < size {
		shift++
		bucket++
		if bucket >= numBuckets-1 {
			break
		}
	}
	return bucket
}

func (a *poolAllocator) Get(size int) []byte {
	if size <= 0 {
		return nil
	}
	b := bucketFor(size)
	if 1<<(minBucketShift+b) < size {
		// larger than our largest bucket: allocate directly, don't pool it.
		return make([]byte, size)
	}
	p := a.pools[b].Get().(*[]byte)
	return (*p)[:size]
}

func (a *poolAllocator) Put(buf []byte) {
	c := cap(buf)
	if c == 0 {
		return
	}
	b := bucketFor(c)
	if 1<<(minBucketShift+b) != c {
		// not one of our bucket sizes (e.g. an over-large Get result); drop it.
		return
	}
	full := buf[:c]
	a.pools[b].Put(&full)
}
