package internal

// Headroom returns how many more instances fit under limit. Local and remote counts can each lag
// behind the other, so the larger one is trusted.
func Headroom(limit, local, remote int) int {
	return max(0, limit-max(local, remote))
}

// NbNodesToPrecreate returns how many ready nodes are missing to meet the floor of a class,
// bounded by the instances the class may still start.
func NbNodesToPrecreate(floor, classCap, globalCap, available, classRunning int) int {
	desired := min(floor, classCap, globalCap) - available
	permitted := classCap - classRunning
	return max(0, min(desired, permitted))
}
