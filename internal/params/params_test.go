package params

import (
	"sync"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	p := Default()
	if err := p.Validate(); err != nil {
		t.Fatalf("default set invalid: %v", err)
	}
	if p.ID == "" {
		t.Error("default set has no ID")
	}
	if p.Provenance != ProvenanceManual {
		t.Errorf("default provenance %q, want manual", p.Provenance)
	}
}

func TestValidateRejectsBadSets(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*ParameterSet)
	}{
		{"fast above slow", func(p *ParameterSet) { p.MACDFast = p.MACDSlow + 1 }},
		{"zero stop buffer", func(p *ParameterSet) { p.StopLossBufferPct = 0 }},
		{"resonance too high", func(p *ParameterSet) { p.ResonanceMin = 4 }},
		{"max below base leverage", func(p *ParameterSet) { p.MaxLeverage = p.BaseLeverage - 1 }},
		{"zero risk", func(p *ParameterSet) { p.RiskPerTradePct = 0 }},
		{"zero timeliness", func(p *ParameterSet) { p.TimelinessCandles = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := Default()
			tc.mutate(&p)
			if err := p.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestVectorRoundTrip(t *testing.T) {
	base := Default()
	v := Vector(base)
	if len(v) != len(SearchSpace()) {
		t.Fatalf("vector length %d, want %d", len(v), len(SearchSpace()))
	}

	rebuilt := FromVector(base, v, ProvenanceBayesian)
	if got := Vector(rebuilt); len(got) != len(v) {
		t.Fatalf("rebuilt vector length %d", len(got))
	} else {
		for i := range v {
			if got[i] != v[i] {
				t.Errorf("axis %d: %v != %v", i, got[i], v[i])
			}
		}
	}
	if rebuilt.ID == base.ID {
		t.Error("FromVector must mint a new identity")
	}
	if rebuilt.Provenance != ProvenanceBayesian {
		t.Errorf("provenance %q, want bayesian", rebuilt.Provenance)
	}
	if err := rebuilt.Validate(); err != nil {
		t.Errorf("rebuilt set invalid: %v", err)
	}
}

func TestFromVectorClampsOutOfRange(t *testing.T) {
	base := Default()
	space := SearchSpace()
	v := make([]float64, len(space))
	for i := range v {
		v[i] = space[i].Max * 10
	}
	p := FromVector(base, v, ProvenanceGenetic)
	for i, got := range Vector(p) {
		if got != space[i].Clamp(got) || got > space[i].Max {
			t.Errorf("axis %s not clamped: %v > %v", space[i].Name, got, space[i].Max)
		}
	}

	for i := range v {
		v[i] = space[i].Min - 100
	}
	p = FromVector(base, v, ProvenanceGenetic)
	for i, got := range Vector(p) {
		if got < space[i].Min {
			t.Errorf("axis %s not clamped: %v < %v", space[i].Name, got, space[i].Min)
		}
	}
}

func TestDimensionClampRoundsIntegers(t *testing.T) {
	d := Dimension{Name: "n", Min: 2, Max: 8, Integer: true}
	if got := d.Clamp(3.6); got != 4 {
		t.Errorf("Clamp(3.6) = %v, want 4", got)
	}
	if got := d.Clamp(9.4); got != 8 {
		t.Errorf("Clamp(9.4) = %v, want 8", got)
	}
}

func TestStorePromoteIsAtomic(t *testing.T) {
	store := NewStore(Default())
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				next := Default()
				next.Provenance = ProvenanceGenetic
				store.Promote(next)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		select {
		case <-done:
			return
		default:
		}
		p := store.Active()
		// Every observed set must be internally consistent.
		if err := p.Validate(); err != nil {
			t.Fatalf("observed torn parameter set: %v", err)
		}
	}
}
