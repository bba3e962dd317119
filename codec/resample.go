package codec

import "math"

// ResampleLinear converts samples from one rate to another by linear
// interpolation between neighbouring samples.
//
// The output holds floor(len(s)*to/from) samples. Positions that fall on or
// past the last input sample take the last sample's value. When the rates are
// equal, or either rate is not positive, s is returned unchanged.
func ResampleLinear(s []int16, from, to int) []int16 {
	if from == to || from <= 0 || to <= 0 || len(s) == 0 {
		return s
	}

	n := int(int64(len(s)) * int64(to) / int64(from))
	out := make([]int16, n)
	step := float64(from) / float64(to)
	last := len(s) - 1

	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			out[i] = s[last]
			continue
		}
		frac := pos - float64(idx)
		v := float64(s[idx])*(1-frac) + float64(s[idx+1])*frac
		out[i] = int16(math.Round(v))
	}
	return out
}
