package photometric

import (
	"fmt"
	"math"
	"strings"
	"testing"

	"go.viam.com/test"
)

func gammaInverse(gamma float64) [ResponseSize]float32 {
	var inv [ResponseSize]float32
	for i := range inv {
		inv[i] = float32(255 * math.Pow(float64(i)/255, gamma))
	}
	return inv
}

func TestIdentityResponse(t *testing.T) {
	r := NewIdentityResponse()
	for i := 0; i < ResponseSize; i++ {
		test.That(t, r.Forward()[i], test.ShouldEqual, float32(i))
		test.That(t, r.Inverse()[i], test.ShouldEqual, float32(i))
	}
	test.That(t, r.GradOnly(100), test.ShouldEqual, float32(1))
	test.That(t, r.InvGradOnly(100), test.ShouldEqual, float32(1))
	test.That(t, r.Apply(12.5), test.ShouldEqual, float32(12.5))
	test.That(t, r.ApplyInverse(-3), test.ShouldEqual, float32(0))
	test.That(t, r.ApplyInverse(300), test.ShouldEqual, float32(255))
}

func TestGradientClamping(t *testing.T) {
	r, err := NewResponseFromInverse(gammaInverse(2.2))
	test.That(t, err, test.ShouldBeNil)

	test.That(t, r.GradOnly(-100), test.ShouldEqual, r.GradOnly(5))
	test.That(t, r.GradOnly(400), test.ShouldEqual, r.GradOnly(250))
	test.That(t, r.InvGradOnly(-100), test.ShouldEqual, r.InvGradOnly(5))
	test.That(t, r.InvGradOnly(400), test.ShouldEqual, r.InvGradOnly(250))
	test.That(t, r.InvGradOnly(float32(math.NaN())), test.ShouldEqual, r.InvGradOnly(5))
	test.That(t, r.GradOnly(1e20), test.ShouldEqual, r.GradOnly(250))
	test.That(t, r.GradOnly(float32(math.Inf(1))), test.ShouldEqual, r.GradOnly(250))
	test.That(t, r.GradOnly(float32(math.Inf(-1))), test.ShouldEqual, r.GradOnly(5))
	test.That(t, r.InvGradOnly(1e20), test.ShouldEqual, r.InvGradOnly(250))
	test.That(t, r.InvGradOnly(-1e20), test.ShouldEqual, r.InvGradOnly(5))
	test.That(t, r.GradOnly(250), test.ShouldNotEqual, r.GradOnly(5))

	// rounding: 99.6 rounds to 100, 99.4 rounds to 99
	inv := r.Inverse()
	test.That(t, r.InvGradOnly(99.6), test.ShouldEqual, inv[101]-inv[100])
	test.That(t, r.InvGradOnly(99.4), test.ShouldEqual, inv[100]-inv[99])
	test.That(t, r.InvGradOnly(250), test.ShouldEqual, inv[251]-inv[250])
}

func TestGradientNeverLeavesClampRange(t *testing.T) {
	// Poison every entry outside [5, 251]; the accessors must never see them.
	var table [ResponseSize]float32
	for i := range table {
		switch {
		case i < 5:
			table[i] = -1e30
		case i > 251:
			table[i] = 1e30
		default:
			table[i] = float32(i)
		}
	}
	r := &Response{forward: table, inverse: table}
	for _, c := range []float32{-1e9, -100, 0, 4.4, 5, 128, 250, 250.6, 255, 400, 1e9} {
		test.That(t, r.GradOnly(c), test.ShouldEqual, float32(1))
		test.That(t, r.InvGradOnly(c), test.ShouldEqual, float32(1))
	}
}

func TestResponseFromInverseInverts(t *testing.T) {
	r, err := NewResponseFromInverse(gammaInverse(1.8))
	test.That(t, err, test.ShouldBeNil)
	fwd := r.Forward()
	test.That(t, fwd[0], test.ShouldEqual, float32(0))
	test.That(t, fwd[255], test.ShouldEqual, float32(255))
	for _, v := range []float32{20, 64, 128, 200} {
		test.That(t, r.ApplyInverse(r.Apply(v)), test.ShouldAlmostEqual, v, 0.5)
	}
}

func TestNewResponseRejectsNonMonotone(t *testing.T) {
	fwd := NewIdentityResponse().Forward()
	inv := fwd
	inv[40] = 10
	_, err := NewResponse(fwd, inv)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "not monotone at 40")

	_, err = NewResponseFromInverse(inv)
	test.That(t, err, test.ShouldNotBeNil)

	r, err := NewResponse(fwd, fwd)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, r.Forward(), test.ShouldResemble, fwd)
}

func TestParseResponse(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < ResponseSize; i++ {
		// arbitrary affine offset and gain, rescaled away by the parser
		fmt.Fprintf(&sb, "%g ", 3+0.5*float64(i))
	}
	r, err := ParseResponse(strings.NewReader(sb.String()))
	test.That(t, err, test.ShouldBeNil)
	inv := r.Inverse()
	test.That(t, inv[0], test.ShouldEqual, float32(0))
	test.That(t, inv[255], test.ShouldEqual, float32(255))
	test.That(t, inv[128], test.ShouldAlmostEqual, 128, 1e-3)

	_, err = ParseResponse(strings.NewReader("1 2 3"))
	test.That(t, err, test.ShouldNotBeNil)

	_, err = ParseResponse(strings.NewReader(strings.Repeat("1 ", ResponseSize)))
	test.That(t, err, test.ShouldNotBeNil)

	_, err = ParseResponse(strings.NewReader("x " + strings.Repeat("1 ", ResponseSize-1)))
	test.That(t, err, test.ShouldNotBeNil)

	_, err = ParseResponse(strings.NewReader(strings.Repeat("1 ", ResponseSize+1)))
	test.That(t, err, test.ShouldNotBeNil)
}
