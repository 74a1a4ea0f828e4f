package optimizer

import (
	"math/rand"

	"pafer-trading-engine/internal/params"
)

// GeneticConfig tunes the evolutionary search.
type GeneticConfig struct {
	PopulationSize int
	TournamentSize int
	CrossoverRate  float64
	BlendAlpha     float64
	MutationRate   float64
	MutationSigma  float64
}

// Genetic evolves a population of parameter vectors with tournament
// selection, blend crossover and bounded gaussian mutation.
type Genetic struct {
	space []params.Dimension
	cfg   GeneticConfig
	rng   *rand.Rand
}

// NewGenetic creates an evolver over space.
func NewGenetic(space []params.Dimension, cfg GeneticConfig, seed int64) *Genetic {
	if cfg.PopulationSize < 2 {
		cfg.PopulationSize = 2
	}
	if cfg.TournamentSize < 1 {
		cfg.TournamentSize = 3
	}
	if cfg.BlendAlpha <= 0 {
		cfg.BlendAlpha = 0.5
	}
	if cfg.MutationSigma <= 0 {
		cfg.MutationSigma = 0.1
	}
	return &Genetic{space: space, cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// Seed builds an initial population from the given elites, padded with
// uniform random individuals.
func (g *Genetic) Seed(elites [][]float64) [][]float64 {
	pop := make([][]float64, 0, g.cfg.PopulationSize)
	for _, e := range elites {
		if len(pop) == g.cfg.PopulationSize {
			break
		}
		pop = append(pop, g.clamp(e))
	}
	for len(pop) < g.cfg.PopulationSize {
		pop = append(pop, g.random())
	}
	return pop
}

// Evolve produces the next generation from pop and its fitness values. The
// best individual survives unchanged.
func (g *Genetic) Evolve(pop [][]float64, fitness []float64) [][]float64 {
	next := make([][]float64, 0, len(pop))

	// Elitism: carry the champion forward.
	bestIdx := 0
	for i := range fitness {
		if fitness[i] > fitness[bestIdx] {
			bestIdx = i
		}
	}
	next = append(next, g.clamp(pop[bestIdx]))

	for len(next) < len(pop) {
		a := g.tournament(pop, fitness)
		b := g.tournament(pop, fitness)

		child := make([]float64, len(a))
		copy(child, a)
		if g.rng.Float64() < g.cfg.CrossoverRate {
			child = g.crossover(a, b)
		}
		g.mutate(child)
		next = append(next, g.clamp(child))
	}
	return next
}

// tournament picks the fittest of k random individuals.
func (g *Genetic) tournament(pop [][]float64, fitness []float64) []float64 {
	best := g.rng.Intn(len(pop))
	for i := 1; i < g.cfg.TournamentSize; i++ {
		c := g.rng.Intn(len(pop))
		if fitness[c] > fitness[best] {
			best = c
		}
	}
	return pop[best]
}

// crossover blends two parents gene by gene within an alpha-expanded range.
func (g *Genetic) crossover(a, b []float64) []float64 {
	child := make([]float64, len(a))
	alpha := g.cfg.BlendAlpha
	for i := range a {
		lo, hi := a[i], b[i]
		if lo > hi {
			lo, hi = hi, lo
		}
		span := hi - lo
		lo -= alpha * span
		hi += alpha * span
		child[i] = lo + g.rng.Float64()*(hi-lo)
	}
	return child
}

// mutate applies gaussian noise to genes with the configured probability.
// Noise is scaled to each dimension's span.
func (g *Genetic) mutate(x []float64) {
	for i, d := range g.space {
		if g.rng.Float64() >= g.cfg.MutationRate {
			continue
		}
		x[i] += g.rng.NormFloat64() * g.cfg.MutationSigma * (d.Max - d.Min)
	}
}

func (g *Genetic) clamp(x []float64) []float64 {
	out := make([]float64, len(g.space))
	for i, d := range g.space {
		v := 0.0
		if i < len(x) {
			v = x[i]
		}
		out[i] = d.Clamp(v)
	}
	return out
}

func (g *Genetic) random() []float64 {
	x := make([]float64, len(g.space))
	for i, d := range g.space {
		x[i] = d.Clamp(d.Min + g.rng.Float64()*(d.Max-d.Min))
	}
	return x
}
