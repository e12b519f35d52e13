package namegen

import (
	"fmt"

	vendor "github.com/anandvarma/namegen"
	"github.com/google/uuid"
)

var gen = vendor.New()

type ID string

func Get() ID {
	return ID(gen.Get())
}

func (id ID) String() string {
	return string(id)
}

// maxAttempts bounds the search for a free generated name before falling back to a random suffix.
const maxAttempts = 32

// Unique returns "<prefix>-<generated>" for which inUse returns false.
func Unique(prefix string, inUse func(name string) bool) string {
	for i := 0; i < maxAttempts; i++ {
		if name := fmt.Sprintf("%s-%s", prefix, Get()); !inUse(name) {
			return name
		}
	}
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString()[:8])
}
