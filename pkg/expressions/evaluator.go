// Package expressions evaluates JMESPath extraction expressions. Platform
// adapters use it to pull identifiers, cursors, and record fields out of API
// payloads without hand-rolled traversal code.
package expressions

import (
	"fmt"
	"sync"

	"github.com/jmespath/go-jmespath"
)

// Evaluator wraps JMESPath expression evaluation with a compile cache
type Evaluator struct {
	cache map[string]*jmespath.JMESPath
	mu    sync.RWMutex
}

// NewEvaluator creates a new expression evaluator
func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*jmespath.JMESPath),
	}
}

// Evaluate evaluates a JMESPath expression against data
func (e *Evaluator) Evaluate(expression string, data any) (any, error) {
	compiled, err := e.getOrCompile(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", expression, err)
	}

	result, err := compiled.Search(data)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression %q: %w", expression, err)
	}

	return result, nil
}

// EvaluateString evaluates an expression and returns the result as a string
func (e *Evaluator) EvaluateString(expression string, data any) (string, error) {
	result, err := e.Evaluate(expression, data)
	if err != nil {
		return "", err
	}

	if result == nil {
		return "", nil
	}

	str, ok := result.(string)
	if !ok {
		return fmt.Sprintf("%v", result), nil
	}

	return str, nil
}

// EvaluateInt evaluates an expression and returns the result as an int
func (e *Evaluator) EvaluateInt(expression string, data any) (int, error) {
	result, err := e.Evaluate(expression, data)
	if err != nil {
		return 0, err
	}

	if result == nil {
		return 0, nil
	}

	switch v := result.(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("cannot convert %T to int", result)
	}
}

// EvaluateSlice evaluates an expression and returns the result as a slice
func (e *Evaluator) EvaluateSlice(expression string, data any) ([]any, error) {
	result, err := e.Evaluate(expression, data)
	if err != nil {
		return nil, err
	}

	if result == nil {
		return nil, nil
	}

	slice, ok := result.([]any)
	if !ok {
		// Wrap single value in slice
		return []any{result}, nil
	}

	return slice, nil
}

// EvaluateMap evaluates an expression and returns the result as a map
func (e *Evaluator) EvaluateMap(expression string, data any) (map[string]any, error) {
	result, err := e.Evaluate(expression, data)
	if err != nil {
		return nil, err
	}

	if result == nil {
		return nil, nil
	}

	m, ok := result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("cannot convert %T to map", result)
	}

	return m, nil
}

// getOrCompile retrieves a compiled expression from cache or compiles it
func (e *Evaluator) getOrCompile(expression string) (*jmespath.JMESPath, error) {
	// Try read lock first for cache hit
	e.mu.RLock()
	if compiled, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return compiled, nil
	}
	e.mu.RUnlock()

	// Compile the expression
	compiled, err := jmespath.Compile(expression)
	if err != nil {
		return nil, err
	}

	// Write lock to update cache
	e.mu.Lock()
	e.cache[expression] = compiled
	e.mu.Unlock()

	return compiled, nil
}
