// Package mutator derives new inputs from corpus entries.
package mutator

import (
	"encoding/binary"
	"math/rand"
)

// Mutator returns a new input derived from input. input is never modified.
type Mutator interface {
	Mutate(r *rand.Rand, input []byte) []byte
}

const DefaultMaxSize = 1 << 20

// Havoc stacks 2 to 128 random byte level operations.
type Havoc struct {
	MaxSize int
}

func NewHavoc(maxSize int) *Havoc {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Havoc{MaxSize: maxSize}
}

var (
	interesting8  = []int8{-128, -1, 0, 1, 16, 32, 64, 100, 127}
	interesting16 = []int16{-32768, -129, 128, 255, 256, 512, 1000, 1024, 4096, 32767}
	interesting32 = []int32{-2147483648, -100663046, -32769, 32768, 65535, 65536, 100663045, 2147483647}
)

type op func(h *Havoc, r *rand.Rand, data []byte) []byte

var ops = []op{
	flipBit,
	setInteresting8,
	setInteresting16,
	setInteresting32,
	addByte,
	negByte,
	randomByte,
	deleteRange,
	cloneRange,
	insertRandom,
	overwriteRange,
	swapRanges,
}

func (h *Havoc) Mutate(r *rand.Rand, input []byte) []byte {
	data := append(make([]byte, 0, len(input)+64), input...)
	if len(data) == 0 {
		data = append(data, byte(r.Intn(256)))
	}
	stack := 1 << uint(1+r.Intn(7))
	for i := 0; i < stack; i++ {
		data = ops[r.Intn(len(ops))](h, r, data)
	}
	if len(data) > h.MaxSize {
		data = data[:h.MaxSize]
	}
	if len(data) == 0 {
		data = append(data, byte(r.Intn(256)))
	}
	return data
}

func flipBit(h *Havoc, r *rand.Rand, data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	data[r.Intn(len(data))] ^= 1 << uint(r.Intn(8))
	return data
}

func setInteresting8(h *Havoc, r *rand.Rand, data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	data[r.Intn(len(data))] = byte(interesting8[r.Intn(len(interesting8))])
	return data
}

func byteOrder(r *rand.Rand) binary.ByteOrder {
	if r.Intn(2) == 0 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

func setInteresting16(h *Havoc, r *rand.Rand, data []byte) []byte {
	if len(data) < 2 {
		return data
	}
	pos := r.Intn(len(data) - 1)
	byteOrder(r).PutUint16(data[pos:], uint16(interesting16[r.Intn(len(interesting16))]))
	return data
}

func setInteresting32(h *Havoc, r *rand.Rand, data []byte) []byte {
	if len(data) < 4 {
		return data
	}
	pos := r.Intn(len(data) - 3)
	byteOrder(r).PutUint32(data[pos:], uint32(interesting32[r.Intn(len(interesting32))]))
	return data
}

func addByte(h *Havoc, r *rand.Rand, data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	pos := r.Intn(len(data))
	delta := byte(1 + r.Intn(35))
	if r.Intn(2) == 0 {
		data[pos] += delta
	} else {
		data[pos] -= delta
	}
	return data
}

func negByte(h *Havoc, r *rand.Rand, data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	pos := r.Intn(len(data))
	data[pos] = ^data[pos]
	return data
}

func randomByte(h *Havoc, r *rand.Rand, data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	data[r.Intn(len(data))] = byte(r.Intn(256))
	return data
}

func chooseRange(r *rand.Rand, n int) (int, int) {
	l := 1 + r.Intn(n)
	return r.Intn(n - l + 1), l
}

func deleteRange(h *Havoc, r *rand.Rand, data []byte) []byte {
	if len(data) < 2 {
		return data
	}
	pos, l := chooseRange(r, len(data)-1)
	return append(data[:pos], data[pos+l:]...)
}

func insert(data []byte, pos int, chunk []byte) []byte {
	data = append(data, chunk...)
	copy(data[pos+len(chunk):], data[pos:len(data)-len(chunk)])
	copy(data[pos:], chunk)
	return data
}

func cloneRange(h *Havoc, r *rand.Rand, data []byte) []byte {
	if len(data) == 0 || len(data) >= h.MaxSize {
		return data
	}
	src, l := chooseRange(r, len(data))
	if len(data)+l > h.MaxSize {
		l = h.MaxSize - len(data)
	}
	chunk := append([]byte(nil), data[src:src+l]...)
	return insert(data, r.Intn(len(data)+1), chunk)
}

func insertRandom(h *Havoc, r *rand.Rand, data []byte) []byte {
	if len(data) >= h.MaxSize {
		return data
	}
	l := 1 + r.Intn(16)
	if len(data)+l > h.MaxSize {
		l = h.MaxSize - len(data)
	}
	chunk := make([]byte, l)
	if r.Intn(2) == 0 {
		r.Read(chunk)
	} else {
		b := byte(r.Intn(256))
		for i := range chunk {
			chunk[i] = b
		}
	}
	return insert(data, r.Intn(len(data)+1), chunk)
}

func overwriteRange(h *Havoc, r *rand.Rand, data []byte) []byte {
	if len(data) < 2 {
		return data
	}
	src, l := chooseRange(r, len(data)-1)
	dst := r.Intn(len(data) - l + 1)
	copy(data[dst:], data[src:src+l])
	return data
}

func swapRanges(h *Havoc, r *rand.Rand, data []byte) []byte {
	if len(data) < 2 {
		return data
	}
	l := 1 + r.Intn(len(data)/2)
	a := r.Intn(len(data) - 2*l + 1)
	b := a + l + r.Intn(len(data)-a-2*l+1)
	for i := 0; i < l; i++ {
		data[a+i], data[b+i] = data[b+i], data[a+i]
	}
	return data
}
