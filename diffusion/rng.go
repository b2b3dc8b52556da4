package diffusion

import "math/rand"

// Stream is a deterministic source of independent random sub-streams.
// Every stochastic operation derives a fresh generator with Split, which
// advances the parent state so no sub-stream is ever reused. Two models
// created with the same seed therefore replay the same random sequence
// for the same sequence of calls.
type Stream struct {
	state uint64
}

// NewStream creates a stream from a seed.
func NewStream(seed int64) *Stream {
	return &Stream{state: uint64(seed)}
}

// Split advances the stream and returns a generator seeded from the new
// position (splitmix64 finalizer over the counter).
func (s *Stream) Split() *rand.Rand {
	s.state += 0x9e3779b97f4a7c15
	z := s.state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	z ^= z >> 31
	return rand.New(rand.NewSource(int64(z)))
}
