package pool

// weightedSelector picks members round-robin from a sequence in which every
// member appears weight times. The sequence is interleaved so that heavy
// members do not get long consecutive runs.
type weightedSelector[C Conn] struct {
	next     int
	sequence []*member[C]
	builtFor []*member[C]
}

func (s *weightedSelector[C]) pick(set []*member[C]) (*member[C], error) {
	if !sameMembers(s.builtFor, set) {
		s.sequence = weightedSequence(set)
		s.builtFor = set
	}
	if len(s.sequence) == 0 {
		return nil, ErrNoAvailableConnection
	}
	m := s.sequence[s.next%len(s.sequence)]
	s.next = (s.next + 1) % len(s.sequence)
	return m, nil
}

// weightedSequence lays out sum(weights) slots using smooth weighted
// round-robin. Zero-weight members never get a slot.
func weightedSequence[C Conn](set []*member[C]) []*member[C] {
	total := 0
	for _, m := range set {
		if m.weight > 0 {
			total += m.weight
		}
	}
	seq := make([]*member[C], 0, total)
	current := make([]int, len(set))
	for len(seq) < total {
		best := -1
		for i, m := range set {
			if m.weight <= 0 {
				continue
			}
			current[i] += m.weight
			if best < 0 || current[i] > current[best] {
				best = i
			}
		}
		current[best] -= total
		seq = append(seq, set[best])
	}
	return seq
}

func sameMembers[C Conn](a, b []*member[C]) bool {
	if len(a) != len(b) || a == nil || b == nil {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
