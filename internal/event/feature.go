package event

import (
	"math/bits"
	"strconv"
	"strings"
)

// Feature is a logical category of trace data, one bit of a FeatureMask.
type Feature uint8

// MaxFeature is one past the highest valid feature; types carrying it belong to no feature.
const MaxFeature Feature = 64

// Valid reports whether f names a bit of a FeatureMask.
func (f Feature) Valid() bool { return f < MaxFeature }

// Mask returns the single-bit mask for f, or 0 for an invalid feature.
func (f Feature) Mask() FeatureMask {
	if !f.Valid() {
		return 0
	}
	return FeatureMask(1) << f
}

// FeatureMask is a set of features.
type FeatureMask uint64

// AllFeatures has every feature bit set.
const AllFeatures = ^FeatureMask(0)

// Has reports whether f is in the mask.
func (m FeatureMask) Has(f Feature) bool {
	return f.Valid() && m&f.Mask() != 0
}

// With returns m with f added.
func (m FeatureMask) With(f Feature) FeatureMask { return m | f.Mask() }

// Without returns m with f removed.
func (m FeatureMask) Without(f Feature) FeatureMask { return m &^ f.Mask() }

// Count returns the number of features in the mask.
func (m FeatureMask) Count() int { return bits.OnesCount64(uint64(m)) }

// Features lists the features in ascending order.
func (m FeatureMask) Features() []Feature {
	out := make([]Feature, 0, m.Count())
	for rest := uint64(m); rest != 0; rest &= rest - 1 {
		out = append(out, Feature(bits.TrailingZeros64(rest)))
	}
	return out
}

// String renders the mask as a set of bit positions, e.g. "{1,5}".
func (m FeatureMask) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, f := range m.Features() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(int(f)))
	}
	sb.WriteByte('}')
	return sb.String()
}
