// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ruleeval implements the small, safe expression evaluator required
// by the __custom__ alert module (spec.md sections 4.4, 4.5, 9): a
// restricted boolean grammar over a sensor dictionary, never arbitrary
// host-language code. github.com/expr-lang/expr provides the sandboxed
// expression language; this package only adds the compile cache and the
// fixed evaluation context shape.
package ruleeval

import (
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"fleetwatch/internal/apperrors"
)

// Context is the fixed set of values a custom rule may reference: speed,
// ignition, and all sensor readings on the triggering position.
type Context struct {
	Speed    float64
	Ignition bool
	Sensors  map[string]any
}

func (c Context) toEnv() map[string]any {
	env := map[string]any{
		"speed":    c.Speed,
		"ignition": c.Ignition,
	}
	for k, v := range c.Sensors {
		// Sensor keys never shadow the fixed fields; first-writer wins.
		if _, exists := env[k]; !exists {
			env[k] = v
		}
	}
	return env
}

// Cache compiles rule strings once and reuses the compiled program across
// devices and evaluations, matching the original implementation's
// rule-string-keyed compile cache (app/alerts/custome_rule.py).
type Cache struct {
	mu       sync.Mutex
	programs map[string]*vm.Program
}

func NewCache() *Cache {
	return &Cache{programs: make(map[string]*vm.Program)}
}

// compile returns the cached program for rule, compiling and caching it on
// first use. A malformed rule is never cached so that future evaluations
// keep surfacing the same error rather than silently succeeding.
func (c *Cache) compile(rule string) (*vm.Program, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.programs[rule]; ok {
		return p, nil
	}
	p, err := expr.Compile(rule, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindConfig, "compile custom rule")
	}
	c.programs[rule] = p
	return p, nil
}

// Eval compiles (or reuses) rule and evaluates it against ctx. Per spec.md
// section 7's "Configuration error" policy, a malformed rule never panics
// or propagates to the device; callers should treat a returned error as
// "skip this module invocation".
func (c *Cache) Eval(rule string, ctx Context) (bool, error) {
	prog, err := c.compile(rule)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(prog, ctx.toEnv())
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.KindConfig, "evaluate custom rule")
	}
	result, ok := out.(bool)
	if !ok {
		return false, apperrors.New(apperrors.KindConfig, "custom rule did not evaluate to a boolean")
	}
	return result, nil
}
