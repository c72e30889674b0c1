package osc

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Point returns the node's coordinates as an orb point (lon, lat)
func (n *Node) Point() orb.Point {
	return orb.Point{n.Lon, n.Lat}
}

// Distance returns the planar distance in degrees between two nodes, the
// hypotenuse of the absolute latitude and longitude deltas. It is not
// geodesic and only meaningful for small deltas.
func Distance(a, b *Node) float64 {
	return planar.Distance(a.Point(), b.Point())
}
