package scanner

// observeCycles reports every finished cycle to fn, including cycles whose
// results were discarded.
func (s *Scanner) observeCycles(fn func(seq uint64, applied bool)) {
	s.mu.Lock()
	s.onCycle = fn
	s.mu.Unlock()
}
