package baseline

import "math"

// Welford is a running count, mean and sum of squared deviations.
type Welford struct {
	N    int64   `json:"n"`
	Mean float64 `json:"mean"`
	M2   float64 `json:"m2"`
}

// Add folds one observation into the accumulator.
func (w *Welford) Add(x float64) {
	w.N++
	delta := x - w.Mean
	w.Mean += delta / float64(w.N)
	w.M2 += delta * (x - w.Mean)
}

// AddRepeated folds k copies of x into the accumulator.
func (w *Welford) AddRepeated(x float64, k int64) {
	if k <= 0 {
		return
	}
	*w = w.Merge(Welford{N: k, Mean: x})
}

// Merge combines two accumulators (Chan et al. parallel update).
func (w Welford) Merge(o Welford) Welford {
	switch {
	case o.N == 0:
		return w
	case w.N == 0:
		return o
	}
	n := w.N + o.N
	delta := o.Mean - w.Mean
	return Welford{
		N:    n,
		Mean: w.Mean + delta*float64(o.N)/float64(n),
		M2:   w.M2 + o.M2 + delta*delta*float64(w.N)*float64(o.N)/float64(n),
	}
}

// Variance returns the sample variance, or 0 with fewer than two observations.
func (w Welford) Variance() float64 {
	if w.N < 2 {
		return 0
	}
	v := w.M2 / float64(w.N-1)
	if v < 0 {
		return 0
	}
	return v
}

// StdDev returns the sample standard deviation.
func (w Welford) StdDev() float64 {
	return math.Sqrt(w.Variance())
}

// Stats returns the read-only summary of the accumulator.
func (w Welford) Stats() Stats {
	return Stats{N: w.N, Mean: w.Mean, StdDev: w.StdDev()}
}

// Stats summarizes a distribution of samples.
type Stats struct {
	N      int64   `json:"n"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
}
