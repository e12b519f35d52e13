package provisioner

import (
	"context"
	"fmt"
	"strings"

	"github.com/gammadia/cumulus/cloud"
	"github.com/samber/lo"
)

// parseNetworks splits a network spec into slots of alternatives: slots are separated by ',' and
// alternatives by '|'. Quotes and backslashes protect separators inside names.
func parseNetworks(spec string) ([][]string, error) {
	var (
		slots   [][]string
		slot    []string
		current strings.Builder
		quote   rune
		escaped bool
	)

	flushName := func() error {
		name := strings.TrimSpace(current.String())
		current.Reset()
		if name == "" {
			return fmt.Errorf("empty network name in '%s'", spec)
		}
		slot = append(slot, name)
		return nil
	}

	for _, r := range spec {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
		case r == '|':
			if err := flushName(); err != nil {
				return nil, err
			}
		case r == ',':
			if err := flushName(); err != nil {
				return nil, err
			}
			slots = append(slots, slot)
			slot = nil
		default:
			current.WriteRune(r)
		}
	}

	if escaped || quote != 0 {
		return nil, fmt.Errorf("unterminated escape or quote in '%s'", spec)
	}
	if strings.TrimSpace(spec) == "" {
		return nil, nil
	}
	if err := flushName(); err != nil {
		return nil, err
	}
	return append(slots, slot), nil
}

// SelectNetworks picks one network per slot of spec and returns the chosen names and ids, in order.
// Alternatives are chosen by most free addresses; without capacity data the first one is used.
func (p *Provisioner) SelectNetworks(ctx context.Context, client cloud.Client, spec string) (names, ids []string, err error) {
	slots, err := parseNetworks(spec)
	if err != nil {
		return nil, nil, err
	}
	if len(slots) == 0 {
		return nil, nil, nil
	}

	hasAlternatives := lo.SomeBy(slots, func(slot []string) bool { return len(slot) > 1 })
	if !hasAlternatives {
		names = lo.Map(slots, func(slot []string, _ int) string { return slot[0] })
	} else {
		names, err = p.chooseAlternatives(ctx, client, slots)
		if err != nil {
			return nil, nil, err
		}
	}

	resolved, err := client.ResolveNetworks(ctx, lo.Uniq(names))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve networks: %w", err)
	}
	ids = lo.Map(names, func(name string, _ int) string { return resolved[name] })
	return names, ids, nil
}

func (p *Provisioner) chooseAlternatives(ctx context.Context, client cloud.Client, slots [][]string) ([]string, error) {
	capacity, err := client.NetworkCapacity(ctx, lo.Uniq(lo.Flatten(slots)))
	if err != nil {
		return nil, fmt.Errorf("failed to read network capacity: %w", err)
	}

	if len(capacity) == 0 {
		p.log.Warn("No network capacity available, using the first network of each alternative")
		return lo.Map(slots, func(slot []string, _ int) string { return slot[0] }), nil
	}

	names := make([]string, len(slots))
	for i, slot := range slots {
		best, bestFree := slot[0], capacity[slot[0]]
		for _, name := range slot[1:] {
			if free := capacity[name]; free > bestFree {
				best, bestFree = name, free
			}
		}
		if bestFree <= 0 {
			p.log.Warn("All networks of the alternative are exhausted", "networks", slot, "chosen", best)
		}
		capacity[best] = bestFree - 1
		names[i] = best
	}
	return names, nil
}

// NetworkOrder returns the distinct network names in the order they are attached.
func NetworkOrder(names []string) string {
	return strings.Join(lo.Uniq(names), ",")
}

// parseSecurityGroups splits a comma separated list, rejecting blank entries.
func parseSecurityGroups(spec string) ([]string, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, nil
	}
	groups := lo.Map(strings.Split(spec, ","), func(group string, _ int) string { return strings.TrimSpace(group) })
	if lo.Contains(groups, "") {
		return nil, fmt.Errorf("blank security group in '%s'", spec)
	}
	return groups, nil
}
