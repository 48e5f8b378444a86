package media

// resampler converts a PCM sample stream between two rates using linear
// interpolation. Position is tracked as an integer numerator over the
// destination rate, so the source/destination ratio is exact: over any
// stream length the accumulated drift is zero, which satisfies the
// one-sample-period-per-minute tolerance with margin. Pure integer math,
// no clock, no randomness; identical input always yields identical output.
type resampler struct {
	srcRate int
	dstRate int

	// prev is the last consumed source sample; num is the fractional
	// position of the next output between prev and the next source
	// sample, as a numerator over srcRate... see step().
	prev   int16
	num    int
	primed bool
}

func newResampler(srcRate, dstRate int) *resampler {
	return &resampler{srcRate: srcRate, dstRate: dstRate}
}

// resample consumes in and returns the output samples produced so far.
// State carries over between calls so chunk boundaries do not affect the
// result: resampling a stream in one call or many yields identical output.
func (r *resampler) resample(in []int16) []int16 {
	if r.srcRate == r.dstRate {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}
	if len(in) == 0 {
		return nil
	}

	// Worst-case output size for this chunk.
	out := make([]int16, 0, (len(in)*r.dstRate)/r.srcRate+2)

	i := 0
	if !r.primed {
		r.prev = in[0]
		r.primed = true
		i = 1
	}
	for ; i < len(in); i++ {
		cur := in[i]
		// Emit every output that falls in [prev, cur). num advances by
		// srcRate per output sample; each source sample spans dstRate units.
		for r.num < r.dstRate {
			interp := int64(r.prev) + (int64(cur)-int64(r.prev))*int64(r.num)/int64(r.dstRate)
			out = append(out, int16(interp))
			r.num += r.srcRate
		}
		r.num -= r.dstRate
		r.prev = cur
	}
	return out
}

// reset clears carried state, for reuse across independent streams.
func (r *resampler) reset() {
	r.prev = 0
	r.num = 0
	r.primed = false
}
