package index

import (
	"math/rand/v2"
)

// LSHConfig sizes the random-hyperplane hash tables.
type LSHConfig struct {
	Tables int
	Bits   int
	Seed   uint64
}

// DefaultLSHConfig is used when NewMemory receives a zero config.
var DefaultLSHConfig = LSHConfig{Tables: 8, Bits: 12, Seed: 0x5eed_af15}

// hyperplanes hashes unit vectors into Bits-wide bucket keys per table.
type hyperplanes struct {
	planes [][][]float64 // [table][bit][dim]
}

func newHyperplanes(cfg LSHConfig, dim int) *hyperplanes {
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	planes := make([][][]float64, cfg.Tables)
	for t := range planes {
		planes[t] = make([][]float64, cfg.Bits)
		for b := range planes[t] {
			p := make([]float64, dim)
			for d := range p {
				p[d] = rng.NormFloat64()
			}
			planes[t][b] = p
		}
	}
	return &hyperplanes{planes: planes}
}

// keys returns one bucket key per table.
func (h *hyperplanes) keys(unit []float64) []uint64 {
	out := make([]uint64, len(h.planes))
	for t, table := range h.planes {
		var key uint64
		for b, p := range table {
			var dot float64
			for d := range p {
				dot += p[d] * unit[d]
			}
			if dot >= 0 {
				key |= 1 << uint(b)
			}
		}
		out[t] = key
	}
	return out
}

// probes returns the key itself followed by every key at Hamming distance 1.
func (h *hyperplanes) probes(key uint64) []uint64 {
	bits := 0
	if len(h.planes) > 0 {
		bits = len(h.planes[0])
	}
	out := make([]uint64, 0, bits+1)
	out = append(out, key)
	for b := 0; b < bits; b++ {
		out = append(out, key^(1<<uint(b)))
	}
	return out
}
