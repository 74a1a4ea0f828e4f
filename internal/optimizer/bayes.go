package optimizer

import (
	"math"
	"math/rand"

	"pafer-trading-engine/internal/params"
)

// Acquisition scores a candidate from the surrogate's posterior. Higher is
// more worth evaluating.
type Acquisition interface {
	Score(mean, std, best float64) float64
}

// ExpectedImprovement is the classic EI acquisition with an exploration
// offset xi.
type ExpectedImprovement struct {
	Xi float64
}

// Score implements Acquisition.
func (ei ExpectedImprovement) Score(mean, std, best float64) float64 {
	if std <= 0 {
		if mean > best+ei.Xi {
			return mean - best - ei.Xi
		}
		return 0
	}
	z := (mean - best - ei.Xi) / std
	return (mean-best-ei.Xi)*normCDF(z) + std*normPDF(z)
}

// UpperConfidenceBound trades exploitation for exploration through kappa.
type UpperConfidenceBound struct {
	Kappa float64
}

// Score implements Acquisition.
func (ucb UpperConfidenceBound) Score(mean, std, _ float64) float64 {
	return mean + ucb.Kappa*std
}

type observation struct {
	x []float64
	y float64
}

// Bayes is a sequential model-based optimizer over the parameter search
// space. The surrogate is a kernel-weighted regression over past
// observations; candidates are drawn at random and ranked by the acquisition
// function against the surrogate posterior.
type Bayes struct {
	space       []params.Dimension
	acq         Acquisition
	rng         *rand.Rand
	lengthScale float64

	obs  []observation
	best float64
}

// NewBayes creates an optimizer over space. A nil acquisition defaults to
// expected improvement.
func NewBayes(space []params.Dimension, acq Acquisition, seed int64) *Bayes {
	if acq == nil {
		acq = ExpectedImprovement{Xi: 0.01}
	}
	return &Bayes{
		space:       space,
		acq:         acq,
		rng:         rand.New(rand.NewSource(seed)),
		lengthScale: 0.2,
		best:        math.Inf(-1),
	}
}

// Observe records an evaluated point.
func (b *Bayes) Observe(x []float64, y float64) {
	cp := make([]float64, len(x))
	copy(cp, x)
	b.obs = append(b.obs, observation{x: cp, y: y})
	if y > b.best {
		b.best = y
	}
}

// Best returns the best observed point and value.
func (b *Bayes) Best() ([]float64, float64) {
	var bx []float64
	by := math.Inf(-1)
	for _, o := range b.obs {
		if o.y > by {
			by = o.y
			bx = o.x
		}
	}
	return bx, by
}

// Observations returns evaluated points ordered best first, up to n.
func (b *Bayes) Observations(n int) []observation {
	sorted := make([]observation, len(b.obs))
	copy(sorted, b.obs)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].y > sorted[j-1].y; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	if n < len(sorted) {
		sorted = sorted[:n]
	}
	return sorted
}

// Sample draws a uniform random point from the space.
func (b *Bayes) Sample() []float64 {
	x := make([]float64, len(b.space))
	for i, d := range b.space {
		x[i] = d.Clamp(d.Min + b.rng.Float64()*(d.Max-d.Min))
	}
	return x
}

// Suggest picks the next point to evaluate by scoring random candidates with
// the acquisition function. With no observations yet it samples uniformly.
func (b *Bayes) Suggest(candidates int) []float64 {
	if len(b.obs) == 0 {
		return b.Sample()
	}
	if candidates <= 0 {
		candidates = 64
	}

	var bestX []float64
	bestScore := math.Inf(-1)
	for i := 0; i < candidates; i++ {
		x := b.Sample()
		mean, std := b.posterior(x)
		if score := b.acq.Score(mean, std, b.best); score > bestScore {
			bestScore = score
			bestX = x
		}
	}
	return bestX
}

// posterior estimates mean and uncertainty at x from RBF-weighted neighbors.
// Far from all observations the weight mass vanishes and the uncertainty
// term grows, which pushes the acquisition toward unexplored regions.
func (b *Bayes) posterior(x []float64) (mean, std float64) {
	var wSum, ySum float64
	weights := make([]float64, len(b.obs))
	for i, o := range b.obs {
		w := math.Exp(-b.distance(x, o.x) / (2 * b.lengthScale * b.lengthScale))
		weights[i] = w
		wSum += w
		ySum += w * o.y
	}
	if wSum < 1e-12 {
		return b.best, 1
	}
	mean = ySum / wSum

	var varSum float64
	for i, o := range b.obs {
		d := o.y - mean
		varSum += weights[i] * d * d
	}
	std = math.Sqrt(varSum/wSum) + 1/(1+wSum)
	return mean, std
}

// distance is the squared euclidean distance in the unit-normalized space.
func (b *Bayes) distance(a, c []float64) float64 {
	var sum float64
	for i, d := range b.space {
		span := d.Max - d.Min
		if span <= 0 {
			continue
		}
		diff := (a[i] - c[i]) / span
		sum += diff * diff
	}
	return sum
}

func normPDF(z float64) float64 {
	return math.Exp(-z*z/2) / math.Sqrt(2*math.Pi)
}

func normCDF(z float64) float64 {
	return 0.5 * (1 + math.Erf(z/math.Sqrt2))
}
