// Package vecmath provides the 2-D vector and delta-clock primitives shared
// by the world simulation and the client registry.
package vecmath

// Vector is a 2-D float pair used for velocities and sub-chunk positions.
type Vector [2]float64

// Add returns one+two, component-wise, over the full vector.
//
// The original implementation iterated to len-1 and left the last component
// untouched; that was a bug, not a convention, so both components are
// updated here.
func Add(one, two Vector) Vector {
	return Vector{one[0] + two[0], one[1] + two[1]}
}

// Sub returns one-two, component-wise, over the full vector.
func Sub(one, two Vector) Vector {
	return Vector{one[0] - two[0], one[1] - two[1]}
}

// Scale returns vector scaled by scalar.
func Scale(scalar float64, vector Vector) Vector {
	return Vector{scalar * vector[0], scalar * vector[1]}
}

// Equals reports whether one and two are component-wise equal.
func Equals(one, two Vector) bool {
	return one == two
}

// Point is a 2-D integer pair used for chunk coordinates and chunk-local
// positions.
type Point [2]int

// Add returns one+two, component-wise.
func (p Point) Add(other Point) Point {
	return Point{p[0] + other[0], p[1] + other[1]}
}
