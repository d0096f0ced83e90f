package photometric

import (
	"bufio"
	"io"
	"math"
	"strconv"

	"github.com/pkg/errors"

	"go.viam.com/dso/utils"
)

// ResponseSize is the number of entries in each response table, one per 8 bit intensity.
const ResponseSize = 256

// Accessors round to the nearest intensity and clamp into this range before taking a forward
// difference, so index gradMaxIndex+1 is the highest entry ever touched.
const (
	gradMinIndex = 5
	gradMaxIndex = 250
)

// Response is a camera's response curve as a pair of lookup tables. Forward maps irradiance to
// recorded intensity and Inverse maps it back. Tables are replaced wholesale, never edited in place.
type Response struct {
	forward [ResponseSize]float32
	inverse [ResponseSize]float32
}

// NewIdentityResponse returns the response of a linear camera.
func NewIdentityResponse() *Response {
	var r Response
	for i := 0; i < ResponseSize; i++ {
		r.forward[i] = float32(i)
		r.inverse[i] = float32(i)
	}
	return &r
}

// NewResponse builds a response from a fitted pair of tables. Both must be non-decreasing.
func NewResponse(forward, inverse [ResponseSize]float32) (*Response, error) {
	if err := checkMonotone("forward", forward); err != nil {
		return nil, err
	}
	if err := checkMonotone("inverse", inverse); err != nil {
		return nil, err
	}
	return &Response{forward: forward, inverse: inverse}, nil
}

// NewResponseFromInverse builds a response from a fitted inverse table alone; the forward table is
// obtained by inverting it numerically, with its endpoints pinned to 0 and 255.
func NewResponseFromInverse(inverse [ResponseSize]float32) (*Response, error) {
	if err := checkMonotone("inverse", inverse); err != nil {
		return nil, err
	}
	var forward [ResponseSize]float32
	for i := 1; i < ResponseSize-1; i++ {
		target := float32(i)
		// Find s such that inverse[s] <= i <= inverse[s+1] and interpolate.
		for s := 1; s < ResponseSize-1; s++ {
			if inverse[s] <= target && inverse[s+1] >= target {
				span := inverse[s+1] - inverse[s]
				if span == 0 {
					forward[i] = float32(s)
				} else {
					forward[i] = float32(s) + (target-inverse[s])/span
				}
				break
			}
		}
	}
	forward[0] = 0
	forward[ResponseSize-1] = ResponseSize - 1
	return &Response{forward: forward, inverse: inverse}, nil
}

// ParseResponse reads a fitted inverse response: 256 whitespace separated numbers. The values are
// rescaled so the first maps to 0 and the last to 255.
func ParseResponse(r io.Reader) (*Response, error) {
	scanner := bufio.NewScanner(r)
	scanner.Split(bufio.ScanWords)
	values := make([]float64, 0, ResponseSize)
	for scanner.Scan() {
		if len(values) == ResponseSize {
			return nil, errors.Errorf("response has more than %d values", ResponseSize)
		}
		v, err := strconv.ParseFloat(scanner.Text(), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing response value %d", len(values))
		}
		values = append(values, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(values) != ResponseSize {
		return nil, utils.NewBufferSizeError("response", ResponseSize, len(values))
	}

	lo, hi := values[0], values[ResponseSize-1]
	if !(hi > lo) {
		return nil, errors.Errorf("response must increase, first value %g last value %g", lo, hi)
	}
	var inverse [ResponseSize]float32
	for i, v := range values {
		inverse[i] = float32(255 * (v - lo) / (hi - lo))
	}
	return NewResponseFromInverse(inverse)
}

func checkMonotone(name string, table [ResponseSize]float32) error {
	for i := 1; i < ResponseSize; i++ {
		if !(table[i] >= table[i-1]) {
			return errors.Errorf("%s response is not monotone at %d (%g < %g)", name, i, table[i], table[i-1])
		}
	}
	return nil
}

// Forward returns a copy of the forward table.
func (r *Response) Forward() [ResponseSize]float32 {
	return r.forward
}

// Inverse returns a copy of the inverse table.
func (r *Response) Inverse() [ResponseSize]float32 {
	return r.inverse
}

// gradIndex clamps in float space before converting, so huge values and +Inf land on
// gradMaxIndex. NaN maps to gradMinIndex.
func gradIndex(color float32) int {
	switch {
	case math.IsNaN(float64(color)):
		return gradMinIndex
	case !(color < gradMaxIndex):
		return gradMaxIndex
	case !(color > gradMinIndex):
		return gradMinIndex
	}
	// Positive here, so truncation is round-half-up.
	return utils.ClampInt(int(color+0.5), gradMinIndex, gradMaxIndex)
}

// GradOnly returns the forward difference of the forward table at the rounded, clamped color.
func (r *Response) GradOnly(color float32) float32 {
	c := gradIndex(color)
	return r.forward[c+1] - r.forward[c]
}

// InvGradOnly returns the forward difference of the inverse table at the rounded, clamped color.
func (r *Response) InvGradOnly(color float32) float32 {
	c := gradIndex(color)
	return r.inverse[c+1] - r.inverse[c]
}

// Apply maps a value through the forward table with linear interpolation. Inputs are clamped to [0, 255].
func (r *Response) Apply(v float32) float32 {
	return interpolate(&r.forward, v)
}

// ApplyInverse maps a value through the inverse table with linear interpolation.
func (r *Response) ApplyInverse(v float32) float32 {
	return interpolate(&r.inverse, v)
}

func interpolate(table *[ResponseSize]float32, v float32) float32 {
	if !(v > 0) {
		return table[0]
	}
	if v >= ResponseSize-1 {
		return table[ResponseSize-1]
	}
	i := int(math.Floor(float64(v)))
	frac := v - float32(i)
	return (1-frac)*table[i] + frac*table[i+1]
}
