package conformal

// PredictionSet flags the classes kept as plausible for one sample.
type PredictionSet []bool

// NewPredictionSet builds a set over classes with the given members switched on.
// Members outside [0, classes) are ignored.
func NewPredictionSet(classes int, members ...int) PredictionSet {
	set := make(PredictionSet, classes)
	for _, m := range members {
		if m >= 0 && m < classes {
			set[m] = true
		}
	}
	return set
}

// Size returns the number of classes in the set.
func (s PredictionSet) Size() int {
	n := 0
	for _, in := range s {
		if in {
			n++
		}
	}
	return n
}

// Empty reports whether no class is in the set.
func (s PredictionSet) Empty() bool {
	for _, in := range s {
		if in {
			return false
		}
	}
	return true
}

// Contains reports whether class c is in the set.
func (s PredictionSet) Contains(c int) bool {
	return c >= 0 && c < len(s) && s[c]
}

// Members returns the class indices in ascending order.
func (s PredictionSet) Members() []int {
	members := make([]int, 0, len(s))
	for c, in := range s {
		if in {
			members = append(members, c)
		}
	}
	return members
}

// Mask returns the set as a 0/1 vector.
func (s PredictionSet) Mask() []int {
	mask := make([]int, len(s))
	for c, in := range s {
		if in {
			mask[c] = 1
		}
	}
	return mask
}

// Clone returns an independent copy of the set.
func (s PredictionSet) Clone() PredictionSet {
	out := make(PredictionSet, len(s))
	copy(out, s)
	return out
}
