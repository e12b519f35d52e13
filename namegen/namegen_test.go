package namegen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnique(t *testing.T) {
	name := Unique("build", func(string) bool { return false })
	assert.True(t, strings.HasPrefix(name, "build-"))
}

func TestUniqueSkipsNamesInUse(t *testing.T) {
	var tried []string
	name := Unique("build", func(candidate string) bool {
		tried = append(tried, candidate)
		return len(tried) < 3
	})

	assert.Len(t, tried, 3)
	assert.Equal(t, tried[2], name)
}

func TestUniqueFallsBack(t *testing.T) {
	attempts := 0
	name := Unique("build", func(string) bool {
		attempts++
		return true
	})

	assert.Equal(t, maxAttempts, attempts)
	assert.True(t, strings.HasPrefix(name, "build-"))
	assert.Len(t, name, len("build-")+8)
}
