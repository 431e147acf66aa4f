package tcp

import "github.com/nanostack-go/tcpcore/internal"

// prng is a tiny xorshift generator used for ISN selection (spec §4.1) and
// ephemeral port scan ordering (§4.3), built directly on the source's
// Prand32 xorshift rather than crypto/rand: neither use needs
// cryptographic unpredictability, only avoidance of degenerate fixed
// sequences across repeated connect() calls.
type prng struct {
	state uint32
}

func newPrng(seed uint32) *prng {
	if seed == 0 {
		seed = 0x9e3779b9
	}
	return &prng{state: seed}
}

func (p *prng) next() uint32 {
	p.state = internal.Prand32(p.state)
	return p.state
}

// intn returns a pseudo-random value in [0, n).
func (p *prng) intn(n int) int {
	if n <= 0 {
		return 0
	}
	return int(p.next() % uint32(n))
}
