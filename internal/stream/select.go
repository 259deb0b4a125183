package stream

import (
	"github.com/samber/lo"
	"github.com/samber/mo"

	"hlsgrab/internal/media"
)

// SelectBest returns the descriptor with the highest (height, bitrate) pair,
// missing values ranking as 0. The first of several exact ties wins.
func SelectBest(ds []media.StreamDescriptor) mo.Option[media.StreamDescriptor] {
	if len(ds) == 0 {
		return mo.None[media.StreamDescriptor]()
	}
	return mo.Some(lo.MaxBy(ds, func(a, b media.StreamDescriptor) bool {
		return rankAbove(a, b)
	}))
}

// rankAbove reports whether a strictly outranks b.
func rankAbove(a, b media.StreamDescriptor) bool {
	ah, bh := lo.FromPtr(a.Height), lo.FromPtr(b.Height)
	if ah != bh {
		return ah > bh
	}
	return lo.FromPtr(a.Bitrate) > lo.FromPtr(b.Bitrate)
}
