package account

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gammadia/cumulus/cloud"
	"github.com/gammadia/cumulus/options"
	"github.com/samber/lo"
)

// Class is a provisioning template: the labels it serves and the options it overrides.
type Class struct {
	Name    string          `json:"name" yaml:"name"`
	Labels  []string        `json:"labels" yaml:"labels"`
	Options options.Options `json:"options" yaml:"options"`
}

// Account is a provider account with the classes that can be provisioned in it.
type Account struct {
	Name     string          `json:"name" yaml:"name"`
	Endpoint cloud.Endpoint  `json:"endpoint" yaml:"endpoint"`
	Options  options.Options `json:"options" yaml:"options"`
	Classes  []*Class        `json:"classes" yaml:"classes"`
}

// EffectiveOptions returns the built-in defaults overridden by the account options.
func (a *Account) EffectiveOptions() options.Options {
	return options.Defaults().Override(a.Options)
}

// ClassOptions returns the options used to provision a node of class c.
func (a *Account) ClassOptions(c *Class) options.Options {
	return a.EffectiveOptions().Override(c.Options)
}

func (a *Account) Class(name string) (*Class, bool) {
	return lo.Find(a.Classes, func(c *Class) bool { return c.Name == name })
}

// MatchingClasses returns the classes able to serve label, in declaration order.
func (a *Account) MatchingClasses(label string) []*Class {
	return lo.Filter(a.Classes, func(c *Class, _ int) bool { return c.Matches(label) })
}

// HasProvisioned reports whether the server was created for this account.
func (a *Account) HasProvisioned(server *cloud.Server) bool {
	return server.Meta(cloud.MetaCloudName) == a.Name
}

// normalize erases redundant values so that account and class options only hold what they change.
func (a *Account) normalize() {
	a.Endpoint.Name = a.Name
	a.Options = a.Options.Normalize().EraseDefaults(options.Defaults())
	effective := a.EffectiveOptions()
	for _, c := range a.Classes {
		c.Options = c.Options.Normalize().EraseDefaults(effective)
	}
}

func (a *Account) validate() error {
	if a.Name == "" {
		return fmt.Errorf("account has no name")
	}
	if a.Endpoint.URL == "" {
		return fmt.Errorf("account '%s' has no endpoint url", a.Name)
	}
	var seen []string
	for _, c := range a.Classes {
		if c.Name == "" {
			return fmt.Errorf("account '%s' has a class without name", a.Name)
		}
		if slices.Contains(seen, c.Name) {
			return fmt.Errorf("account '%s' has duplicate class '%s'", a.Name, c.Name)
		}
		seen = append(seen, c.Name)
		if err := a.ClassOptions(c).Validate(); err != nil {
			return fmt.Errorf("invalid options for class '%s' of account '%s': %w", c.Name, a.Name, err)
		}
	}
	return nil
}

// Matches evaluates a label expression against the class labels.
// An empty expression matches every class. Expressions combine labels with "&&", "||" and "!",
// "&&" binding tighter than "||".
func (c *Class) Matches(expression string) bool {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return true
	}

	for _, alternative := range strings.Split(expression, "||") {
		if lo.EveryBy(strings.Split(alternative, "&&"), c.matchesTerm) {
			return true
		}
	}
	return false
}

func (c *Class) matchesTerm(term string) bool {
	term = strings.TrimSpace(term)
	negated := false
	for strings.HasPrefix(term, "!") {
		negated = !negated
		term = strings.TrimSpace(term[1:])
	}
	return slices.Contains(c.Labels, term) != negated
}
