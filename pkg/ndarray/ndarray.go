// Package ndarray implements the dense, typed n-dimensional arrays that flow
// through the dataset stores: image records (H x W x 3 uint8), depth maps,
// segmentation masks and bounding-box attributes.
//
// Elements are kept as little-endian bytes in row-major order so an Array can
// be persisted without a conversion step.
package ndarray

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
)

// DType names the element type of an Array.
type DType string

const (
	Uint8   DType = "uint8"
	Uint16  DType = "uint16"
	Int32   DType = "int32"
	Int64   DType = "int64"
	Float32 DType = "float32"
	Float64 DType = "float64"
)

// Size returns the element width in bytes, or 0 for an unknown dtype.
func (d DType) Size() int {
	switch d {
	case Uint8:
		return 1
	case Uint16:
		return 2
	case Int32, Float32:
		return 4
	case Int64, Float64:
		return 8
	default:
		return 0
	}
}

// Valid reports whether d is a supported dtype.
func (d DType) Valid() bool {
	return d.Size() > 0
}

// Array is a dense row-major n-d array.
type Array struct {
	DType DType  `json:"dtype"`
	Shape []int  `json:"shape"`
	Data  []byte `json:"data"`
}

// New allocates a zero-filled array.
func New(dtype DType, shape ...int) (*Array, error) {
	if !dtype.Valid() {
		return nil, fmt.Errorf("ndarray: unsupported dtype %q", dtype)
	}
	n, err := numElements(shape)
	if err != nil {
		return nil, err
	}
	return &Array{DType: dtype, Shape: slices.Clone(shape), Data: make([]byte, n*dtype.Size())}, nil
}

// FromBytes wraps data as an array after checking its length against shape.
func FromBytes(dtype DType, shape []int, data []byte) (*Array, error) {
	if !dtype.Valid() {
		return nil, fmt.Errorf("ndarray: unsupported dtype %q", dtype)
	}
	n, err := numElements(shape)
	if err != nil {
		return nil, err
	}
	if len(data) != n*dtype.Size() {
		return nil, fmt.Errorf("ndarray: %d bytes do not fit shape %v of %s", len(data), shape, dtype)
	}
	return &Array{DType: dtype, Shape: slices.Clone(shape), Data: data}, nil
}

// FromFloat32 builds a float32 array from values.
func FromFloat32(shape []int, values []float32) (*Array, error) {
	a, err := New(Float32, shape...)
	if err != nil {
		return nil, err
	}
	if len(values) != a.Len() {
		return nil, fmt.Errorf("ndarray: %d values do not fit shape %v", len(values), shape)
	}
	for i, v := range values {
		binary.LittleEndian.PutUint32(a.Data[i*4:], math.Float32bits(v))
	}
	return a, nil
}

// FromFloat64 builds a float64 array from values.
func FromFloat64(shape []int, values []float64) (*Array, error) {
	a, err := New(Float64, shape...)
	if err != nil {
		return nil, err
	}
	if len(values) != a.Len() {
		return nil, fmt.Errorf("ndarray: %d values do not fit shape %v", len(values), shape)
	}
	for i, v := range values {
		a.SetFloat(i, v)
	}
	return a, nil
}

// FromInt32 builds an int32 array from values.
func FromInt32(shape []int, values []int32) (*Array, error) {
	a, err := New(Int32, shape...)
	if err != nil {
		return nil, err
	}
	if len(values) != a.Len() {
		return nil, fmt.Errorf("ndarray: %d values do not fit shape %v", len(values), shape)
	}
	for i, v := range values {
		binary.LittleEndian.PutUint32(a.Data[i*4:], uint32(v))
	}
	return a, nil
}

func numElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("ndarray: negative dimension in shape %v", shape)
		}
		n *= d
	}
	return n, nil
}

// Check verifies that dtype, shape and data length agree. Arrays decoded
// from outside the process should be checked before use.
func (a *Array) Check() error {
	if a == nil {
		return fmt.Errorf("ndarray: nil array")
	}
	_, err := FromBytes(a.DType, a.Shape, a.Data)
	return err
}

// Len returns the number of elements.
func (a *Array) Len() int {
	n, _ := numElements(a.Shape)
	return n
}

// Ndim returns the number of axes.
func (a *Array) Ndim() int {
	return len(a.Shape)
}

// At returns element i (flat index) as float64.
func (a *Array) At(i int) float64 {
	switch a.DType {
	case Uint8:
		return float64(a.Data[i])
	case Uint16:
		return float64(binary.LittleEndian.Uint16(a.Data[i*2:]))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(a.Data[i*4:])))
	case Int64:
		return float64(int64(binary.LittleEndian.Uint64(a.Data[i*8:])))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(a.Data[i*4:])))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(a.Data[i*8:]))
	}
	return 0
}

// SetFloat stores v at flat index i, converting to the array dtype.
func (a *Array) SetFloat(i int, v float64) {
	switch a.DType {
	case Uint8:
		a.Data[i] = uint8(v)
	case Uint16:
		binary.LittleEndian.PutUint16(a.Data[i*2:], uint16(v))
	case Int32:
		binary.LittleEndian.PutUint32(a.Data[i*4:], uint32(int32(v)))
	case Int64:
		binary.LittleEndian.PutUint64(a.Data[i*8:], uint64(int64(v)))
	case Float32:
		binary.LittleEndian.PutUint32(a.Data[i*4:], math.Float32bits(float32(v)))
	case Float64:
		binary.LittleEndian.PutUint64(a.Data[i*8:], math.Float64bits(v))
	}
}

// Floats returns every element converted to float64.
func (a *Array) Floats() []float64 {
	out := make([]float64, a.Len())
	for i := range out {
		out[i] = a.At(i)
	}
	return out
}

// AsType returns a copy converted to dtype.
func (a *Array) AsType(dtype DType) (*Array, error) {
	if dtype == a.DType {
		return a.Clone(), nil
	}
	out, err := New(dtype, a.Shape...)
	if err != nil {
		return nil, err
	}
	for i := 0; i < a.Len(); i++ {
		out.SetFloat(i, a.At(i))
	}
	return out, nil
}

// Clone returns a deep copy.
func (a *Array) Clone() *Array {
	return &Array{DType: a.DType, Shape: slices.Clone(a.Shape), Data: slices.Clone(a.Data)}
}

// Equal reports whether a and b have the same dtype, shape and bytes.
func (a *Array) Equal(b *Array) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.DType == b.DType && slices.Equal(a.Shape, b.Shape) && slices.Equal(a.Data, b.Data)
}

// String summarises the array without its data.
func (a *Array) String() string {
	return fmt.Sprintf("%s%v", a.DType, a.Shape)
}

// Transpose reverses the order of the axes.
func (a *Array) Transpose() *Array {
	nd := a.Ndim()
	if nd < 2 {
		return a.Clone()
	}
	shape := slices.Clone(a.Shape)
	slices.Reverse(shape)
	out := &Array{DType: a.DType, Shape: shape, Data: make([]byte, len(a.Data))}

	es := a.DType.Size()
	srcStrides := strides(a.Shape)
	idx := make([]int, nd) // index into out
	for o := 0; o < a.Len(); o++ {
		src := 0
		for k := 0; k < nd; k++ {
			src += idx[k] * srcStrides[nd-1-k]
		}
		copy(out.Data[o*es:(o+1)*es], a.Data[src*es:(src+1)*es])
		for k := nd - 1; k >= 0; k-- {
			idx[k]++
			if idx[k] < shape[k] {
				break
			}
			idx[k] = 0
		}
	}
	return out
}

// Channel selects index c along the last axis, dropping that axis.
func (a *Array) Channel(c int) (*Array, error) {
	if a.Ndim() < 2 {
		return nil, fmt.Errorf("ndarray: channel select needs at least 2 axes, have %v", a.Shape)
	}
	nc := a.Shape[a.Ndim()-1]
	if c < 0 || c >= nc {
		return nil, fmt.Errorf("ndarray: channel %d out of range for shape %v", c, a.Shape)
	}
	out, err := New(a.DType, a.Shape[:a.Ndim()-1]...)
	if err != nil {
		return nil, err
	}
	es := a.DType.Size()
	for i := 0; i < out.Len(); i++ {
		src := (i*nc + c) * es
		copy(out.Data[i*es:(i+1)*es], a.Data[src:src+es])
	}
	return out, nil
}

// HW returns the first two dimensions, which are height and width for every
// raster array in the pipeline.
func (a *Array) HW() (int, int, error) {
	if a.Ndim() < 2 {
		return 0, 0, fmt.Errorf("ndarray: shape %v is not a raster", a.Shape)
	}
	return a.Shape[0], a.Shape[1], nil
}

// ResizeNearest resamples the first two axes to h x w by nearest-neighbour
// lookup. Values are copied, never blended, so label maps keep their ids.
func (a *Array) ResizeNearest(h, w int) (*Array, error) {
	sh, sw, err := a.HW()
	if err != nil {
		return nil, err
	}
	if h <= 0 || w <= 0 {
		return nil, fmt.Errorf("ndarray: invalid target size %dx%d", w, h)
	}
	shape := slices.Clone(a.Shape)
	shape[0], shape[1] = h, w
	out, err := New(a.DType, shape...)
	if err != nil {
		return nil, err
	}
	px := a.DType.Size()
	for _, d := range a.Shape[2:] {
		px *= d
	}
	for y := 0; y < h; y++ {
		sy := nearest(y, h, sh)
		for x := 0; x < w; x++ {
			sx := nearest(x, w, sw)
			src := (sy*sw + sx) * px
			dst := (y*w + x) * px
			copy(out.Data[dst:dst+px], a.Data[src:src+px])
		}
	}
	return out, nil
}

// nearest maps destination index i on an axis of length dst to the source
// pixel whose centre is closest.
func nearest(i, dst, src int) int {
	s := int((float64(i) + 0.5) * float64(src) / float64(dst))
	if s >= src {
		s = src - 1
	}
	return s
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}
