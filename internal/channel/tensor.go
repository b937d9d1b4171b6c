package channel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Tensor is a dense row-major tensor. On the wire it is a nested JSON array.
type Tensor struct {
	Shape []int
	Data  []float64
}

// NewTensor checks that data fills shape exactly.
func NewTensor(shape []int, data []float64) (Tensor, error) {
	if n := elements(shape); n != len(data) {
		return Tensor{}, fmt.Errorf("shape %v holds %d elements, got %d", shape, n, len(data))
	}
	return Tensor{Shape: shape, Data: data}, nil
}

// Rank is the number of dimensions.
func (t Tensor) Rank() int {
	return len(t.Shape)
}

// Size is the number of elements.
func (t Tensor) Size() int {
	return len(t.Data)
}

func elements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// MarshalJSON writes the tensor as nested arrays following Shape.
func (t Tensor) MarshalJSON() ([]byte, error) {
	if elements(t.Shape) != len(t.Data) {
		return nil, fmt.Errorf("tensor shape %v does not match %d elements", t.Shape, len(t.Data))
	}
	var buf bytes.Buffer
	if len(t.Shape) == 0 {
		if len(t.Data) != 1 {
			return nil, fmt.Errorf("scalar tensor must hold one element")
		}
		buf.WriteString(strconv.FormatFloat(t.Data[0], 'g', -1, 64))
		return buf.Bytes(), nil
	}
	pos := 0
	writeNested(&buf, t.Shape, t.Data, &pos)
	return buf.Bytes(), nil
}

func writeNested(buf *bytes.Buffer, shape []int, data []float64, pos *int) {
	buf.WriteByte('[')
	for i := 0; i < shape[0]; i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		if len(shape) == 1 {
			buf.WriteString(strconv.FormatFloat(data[*pos], 'g', -1, 64))
			*pos++
			continue
		}
		writeNested(buf, shape[1:], data, pos)
	}
	buf.WriteByte(']')
}

// UnmarshalJSON reads a nested numeric array. Ragged arrays and non-numeric
// leaves are rejected.
func (t *Tensor) UnmarshalJSON(raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	shape := inferShape(v)
	data := make([]float64, 0, elements(shape))
	if err := flatten(v, shape, &data); err != nil {
		return err
	}
	t.Shape = shape
	t.Data = data
	return nil
}

func inferShape(v any) []int {
	var shape []int
	for {
		arr, ok := v.([]any)
		if !ok {
			return shape
		}
		shape = append(shape, len(arr))
		if len(arr) == 0 {
			return shape
		}
		v = arr[0]
	}
}

func flatten(v any, shape []int, out *[]float64) error {
	if len(shape) == 0 {
		f, ok := v.(float64)
		if !ok {
			return fmt.Errorf("tensor element %v is not a number", v)
		}
		*out = append(*out, f)
		return nil
	}
	arr, ok := v.([]any)
	if !ok || len(arr) != shape[0] {
		return fmt.Errorf("ragged tensor: expected %d elements at this depth", shape[0])
	}
	for _, e := range arr {
		if err := flatten(e, shape[1:], out); err != nil {
			return err
		}
	}
	return nil
}
