package internal

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

var headroomtests = map[int]struct {
	limit, local, remote int
	expected             int
}{
	0: {4, 0, 0, 4},
	1: {4, 1, 0, 3},
	2: {4, 0, 3, 1},
	3: {4, 2, 3, 1},
	4: {4, 4, 0, 0},
	5: {4, 1, 6, 0},
	6: {0, 0, 0, 0},
}

func TestHeadroom(t *testing.T) {
	for index, tt := range headroomtests {
		t.Run(fmt.Sprintf("test-%d", index), func(t *testing.T) {
			assert.Equal(t, tt.expected, Headroom(tt.limit, tt.local, tt.remote))
		})
	}
}

var precreatetests = map[int]struct {
	floor, classCap, globalCap int
	available, classRunning    int
	expected                   int
}{
	0: {
		2, 10, 10, // floor, class cap, global cap
		0, 0, // available, running
		2,
	},
	1: {
		2, 10, 10, // floor, class cap, global cap
		1, 1, // available, running
		1,
	},
	2: {
		2, 10, 10, // floor, class cap, global cap
		2, 5, // available, running
		0,
	},
	3: {
		5, 3, 10, // floor above class cap
		0, 0, // available, running
		3,
	},
	4: {
		5, 10, 2, // floor above global cap
		0, 0, // available, running
		2,
	},
	5: {
		3, 4, 10, // floor, class cap, global cap
		0, 3, // busy nodes use the class cap
		1,
	},
	6: {
		3, 4, 10, // floor, class cap, global cap
		1, 5, // more servers than the cap
		0,
	},
}

func TestNbNodesToPrecreate(t *testing.T) {
	for index, tt := range precreatetests {
		t.Run(fmt.Sprintf("test-%d", index), func(t *testing.T) {
			assert.Equal(t, tt.expected, NbNodesToPrecreate(tt.floor, tt.classCap, tt.globalCap, tt.available, tt.classRunning))
		})
	}
}
