package netchan

import "github.com/google/uuid"

// ID uniquely identifies a Channel: equality is identity, and Compare
// gives a total order over ids. Generated with google/uuid.
type ID [16]byte

// NewID generates a random (v4) channel id.
func NewID() ID {
	return ID(uuid.New())
}

// String renders the id in standard UUID form.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// Compare gives ID a total order: distinct ids never compare equal, and
// the ordering is transitive and antisymmetric.
func (id ID) Compare(other ID) int {
	for i := range id {
		if id[i] != other[i] {
			if id[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
