package sdh

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ardnew/softsdh/pkg"
	"github.com/ardnew/softsdh/sdh/hal"
	"github.com/ardnew/softsdh/sdh/hal/mem"
)

func TestDevice_ReadWriteAligned(t *testing.T) {
	reg, ctrls := newTestRegistry(t, testConfig(1))
	dev := reg.Get(0)

	const count = 4
	src := aligned(count*testSectorSize, 8)
	copy(src, pattern(len(src), 0x5A))

	n, err := dev.Write(3, src, count)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if n != count {
		t.Errorf("Write() = %d, want %d", n, count)
	}

	dst := aligned(count*testSectorSize, 8)
	n, err = dev.Read(3, dst, count)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if n != count {
		t.Errorf("Read() = %d, want %d", n, count)
	}
	if !bytes.Equal(src, dst) {
		t.Error("read data differs from written data")
	}

	// Aligned buffers go to the engine in one call per request.
	calls := ctrls[0].Calls()
	if len(calls) != 2 {
		t.Fatalf("engine calls = %d, want 2", len(calls))
	}
	for _, c := range calls {
		if c.Pos != 3 || c.Count != count {
			t.Errorf("call = %+v, want pos 3 count %d", c, count)
		}
	}
	if !dev.DataReady() {
		t.Error("DataReady() = false after transfer")
	}
}

func TestDevice_ReadWriteMisaligned(t *testing.T) {
	reg, ctrls := newTestRegistry(t, testConfig(1))
	dev := reg.Get(0)

	const count = 3
	src := misaligned(count*testSectorSize, mem.DefaultAlignment, 1)
	copy(src, pattern(len(src), 0xC3))

	if _, err := dev.Write(7, src, count); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if !bytes.Equal(ctrls[0].Data()[7*testSectorSize:10*testSectorSize], src) {
		t.Error("card contents differ from written data")
	}

	dst := misaligned(count*testSectorSize, mem.DefaultAlignment, 3)
	if _, err := dev.Read(7, dst, count); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(src, dst) {
		t.Error("read data differs from written data")
	}

	calls := ctrls[0].Calls()
	if len(calls) != 2*count {
		t.Fatalf("engine calls = %d, want %d", len(calls), 2*count)
	}
	for i, c := range calls {
		if want := uint64(7 + i%count); c.Pos != want || c.Count != 1 {
			t.Errorf("call %d = %+v, want pos %d count 1", i, c, want)
		}
	}
}

func TestDevice_BounceSequence(t *testing.T) {
	alloc := &countingAllocator{}
	cfg := testConfig(1)
	cfg.Allocator = alloc
	reg, ctrls := newTestRegistry(t, cfg)
	dev := reg.Get(0)

	buf := misaligned(3*testSectorSize, mem.DefaultAlignment, 2)
	copy(buf, pattern(len(buf), 0x11))

	n, err := dev.Write(10, buf, 3)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Write() = %d, want 3", n)
	}

	calls := ctrls[0].Calls()
	if len(calls) != 3 {
		t.Fatalf("engine calls = %d, want 3", len(calls))
	}
	for i, c := range calls {
		if c.Op != mem.OpWrite || c.Pos != uint64(10+i) || c.Count != 1 {
			t.Errorf("call %d = %+v, want write pos %d count 1", i, c, 10+i)
		}
	}

	allocs, frees := alloc.counts()
	if allocs != 1 || frees != 1 {
		t.Errorf("allocs/frees = %d/%d, want 1/1", allocs, frees)
	}
	if alloc.sizes[0] != testSectorSize {
		t.Errorf("bounce size = %d, want %d", alloc.sizes[0], testSectorSize)
	}
}

func TestDevice_BounceFailureMidway(t *testing.T) {
	alloc := &countingAllocator{}
	cfg := testConfig(1)
	cfg.Allocator = alloc
	reg, ctrls := newTestRegistry(t, cfg)
	dev := reg.Get(0)

	ctrls[0].FailSector(11, pkg.TransferCRC)

	buf := misaligned(3*testSectorSize, mem.DefaultAlignment, 2)
	n, err := dev.Read(10, buf, 3)
	if n != 0 {
		t.Errorf("Read() = %d, want 0", n)
	}
	if !errors.Is(err, pkg.ErrCRC) {
		t.Errorf("Read() error = %v, want ErrCRC", err)
	}
	if !errors.Is(dev.LastError(), pkg.ErrCRC) {
		t.Errorf("LastError() = %v, want ErrCRC", dev.LastError())
	}

	if calls := ctrls[0].Calls(); len(calls) != 2 {
		t.Errorf("engine calls = %d, want 2", len(calls))
	}
	if _, frees := alloc.counts(); frees != 1 {
		t.Errorf("frees = %d, want 1", frees)
	}
	if got := dev.Stats().TransferErrors; got != 1 {
		t.Errorf("TransferErrors = %d, want 1", got)
	}
	if flags := dev.CardInfo().ErrorFlags; flags == 0 {
		t.Error("ErrorFlags = 0 after failed transfer")
	}

	// The next successful transfer clears the flags and the last error.
	ctrls[0].ClearFaults()
	if _, err := dev.Read(10, buf, 3); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if flags := dev.CardInfo().ErrorFlags; flags != 0 {
		t.Errorf("ErrorFlags = 0x%X after success, want 0", flags)
	}
	if err := dev.LastError(); err != nil {
		t.Errorf("LastError() = %v after success, want nil", err)
	}
}

func TestDevice_BounceAllocFailure(t *testing.T) {
	alloc := &countingAllocator{fail: true}
	cfg := testConfig(1)
	cfg.Allocator = alloc
	reg, ctrls := newTestRegistry(t, cfg)
	dev := reg.Get(0)

	buf := misaligned(testSectorSize, mem.DefaultAlignment, 1)
	n, err := dev.Write(0, buf, 1)
	if n != 0 || !errors.Is(err, pkg.ErrNoMemory) {
		t.Errorf("Write() = %d, %v; want 0, ErrNoMemory", n, err)
	}
	if calls := ctrls[0].Calls(); len(calls) != 0 {
		t.Errorf("engine calls = %d, want 0", len(calls))
	}

	// The device lock was released.
	alloc.mu.Lock()
	alloc.fail = false
	alloc.mu.Unlock()
	if _, err := dev.Write(0, buf, 1); err != nil {
		t.Errorf("Write() after recovery error = %v", err)
	}
}

func TestDevice_TransferErrors(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(c *mem.Controller)
		pos     uint64
		bufLen  int
		count   uint32
		wantErr error
	}{
		{
			name:    "short buffer",
			bufLen:  testSectorSize,
			count:   2,
			wantErr: pkg.ErrBufferTooSmall,
		},
		{
			name:    "out of range",
			pos:     testSectors - 1,
			bufLen:  2 * testSectorSize,
			count:   2,
			wantErr: pkg.ErrOutOfRange,
		},
		{
			name:    "data timeout",
			setup:   func(c *mem.Controller) { c.FailSector(0, pkg.TransferTimeout) },
			bufLen:  testSectorSize,
			count:   1,
			wantErr: pkg.ErrTimeout,
		},
		{
			name:    "generic engine error",
			setup:   func(c *mem.Controller) { c.FailSector(0, pkg.TransferError) },
			bufLen:  testSectorSize,
			count:   1,
			wantErr: pkg.ErrIO,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, ctrls := newTestRegistry(t, testConfig(1))
			if tt.setup != nil {
				tt.setup(ctrls[0])
			}
			dev := reg.Get(0)

			n, err := dev.Read(tt.pos, aligned(tt.bufLen, 8), tt.count)
			if n != 0 {
				t.Errorf("Read() = %d, want 0", n)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Read() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDevice_ReadOnly(t *testing.T) {
	reg, ctrls := newTestRegistry(t, testConfig(1))
	ctrls[0].SetReadOnly(true)

	_, err := reg.Get(0).Write(0, aligned(testSectorSize, 8), 1)
	if !errors.Is(err, pkg.ErrReadOnly) {
		t.Errorf("Write() error = %v, want ErrReadOnly", err)
	}
}

func TestDevice_ZeroCount(t *testing.T) {
	reg, ctrls := newTestRegistry(t, testConfig(1))

	n, err := reg.Get(0).Read(0, nil, 0)
	if n != 0 || err != nil {
		t.Errorf("Read(count=0) = %d, %v; want 0, nil", n, err)
	}
	if calls := ctrls[0].Calls(); len(calls) != 0 {
		t.Errorf("engine calls = %d, want 0", len(calls))
	}
}

func TestDevice_NoCard(t *testing.T) {
	reg, ctrls := newTestRegistry(t, testConfig(1))
	dev := reg.Get(0)
	ctrls[0].Remove()

	n, err := dev.Read(0, aligned(testSectorSize, 8), 1)
	if n != 0 || !errors.Is(err, pkg.ErrNoCard) {
		t.Errorf("Read() = %d, %v; want 0, ErrNoCard", n, err)
	}
	if calls := ctrls[0].Calls(); len(calls) != 0 {
		t.Errorf("engine calls = %d, want 0", len(calls))
	}

	if err := dev.Open(); !errors.Is(err, pkg.ErrNoCard) {
		t.Errorf("Open() error = %v, want ErrNoCard", err)
	}
}

func TestDevice_Serialized(t *testing.T) {
	reg, ctrls := newTestRegistry(t, testConfig(1))
	dev := reg.Get(0)
	ctrls[0].SetLatency(2 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			buf := misaligned(2*testSectorSize, mem.DefaultAlignment, i%2)
			if i%2 == 0 {
				_, _ = dev.Write(uint64(i), buf, 2)
			} else {
				_, _ = dev.Read(uint64(i), buf, 2)
			}
		}(i)
	}
	wg.Wait()

	if got := ctrls[0].MaxInFlight(); got != 1 {
		t.Errorf("MaxInFlight() = %d, want 1", got)
	}
}

func TestHeapAllocator(t *testing.T) {
	var a HeapAllocator
	for _, align := range []int{1, 2, 4, 8, 64, 512} {
		buf, err := a.Alloc(testSectorSize, align)
		if err != nil {
			t.Fatalf("Alloc(%d) error = %v", align, err)
		}
		if len(buf) != testSectorSize || cap(buf) != testSectorSize {
			t.Errorf("Alloc(%d) len/cap = %d/%d", align, len(buf), cap(buf))
		}
		if align > 1 && !hal.IsAligned(buf, align) {
			t.Errorf("Alloc(%d) returned misaligned buffer", align)
		}
		a.Free(buf)
	}

	if _, err := a.Alloc(0, 4); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("Alloc(0) error = %v, want ErrInvalidParameter", err)
	}
}
