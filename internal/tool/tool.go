// Package tool implements the "dynamic decoration of tools" design
// note: the executor never hands the raw tool catalog to the LLM, it
// wraps each tool first. Grounded on the teacher's tool registry and
// policy layer (Tool interface, RequiresApproval, origin deny lists),
// adapted to spec.md §4.9's tool-policy wrapping rules.
package tool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Tool is the minimal contract the executor drives; concrete tool
// catalogs are external collaborators (spec.md §1 non-goals).
type Tool interface {
	Name() string
	Execute(ctx context.Context, input json.RawMessage) (Result, error)
}

// Result is a tool's outcome.
type Result struct {
	Output  string
	IsError bool
}

// Origin describes where a turn originates, used for the
// non-read-only deny list (spec.md §4.9: "in non-private chats, drop
// a broader non-read-only set").
type Origin string

const (
	OriginPrivateChat Origin = "private"
	OriginGroupChat   Origin = "group"
	OriginSystem      Origin = "system"
)

// ExecuteTimeout wraps every tool execution (spec.md §4.9).
const ExecuteTimeout = 20 * time.Second

// ReadOnlyCacheTTL is how long read-only tool results are memoized
// (spec.md §4.9).
const ReadOnlyCacheTTL = 30 * time.Second

// ApprovalInputSizeThreshold forces needs_approval on advanced compute
// tools whose input is large (spec.md §4.9: ">= 6000 bytes").
const ApprovalInputSizeThreshold = 6000

// Class tags a tool for policy decisions. The concrete catalog assigns
// these; the wrapper only consumes them.
type Class string

const (
	ClassSecret          Class = "secret"           // key generation, signing — always denied
	ClassReadOnly        Class = "read_only"         // cacheable, never needs approval
	ClassWrite           Class = "write"             // needs_approval=true unconditionally
	ClassCriticalWrite   Class = "critical_write"    // needs_approval=true unconditionally
	ClassAdvancedCompute Class = "advanced_compute"  // needs_approval size-dependent
)

// Spec describes a catalog tool before wrapping.
type Spec struct {
	Tool  Tool
	Class Class
}

// Wrapped is a policy-decorated tool ready to hand to the LLM.
type Wrapped struct {
	Name          string
	Class         Class
	NeedsApproval func(input json.RawMessage) bool
	Execute       func(ctx context.Context, input json.RawMessage) (Result, error)
}

// cacheEntry holds a memoized read-only result.
type cacheEntry struct {
	result    Result
	expiresAt time.Time
}

// Policy wraps a tool catalog per spec.md §4.9.
type Policy struct {
	mu    sync.Mutex
	cache map[string]cacheEntry
}

func NewPolicy() *Policy {
	return &Policy{cache: make(map[string]cacheEntry)}
}

// Wrap filters the deny-listed classes and decorates everything else
// with timeout, caching, and needs_approval semantics.
func (p *Policy) Wrap(specs []Spec, origin Origin) []Wrapped {
	var out []Wrapped
	for _, s := range specs {
		if s.Class == ClassSecret {
			continue // secrets-handling denylist: dropped entirely
		}
		if origin != OriginPrivateChat && s.Class != ClassReadOnly {
			continue // non-private chats: drop the broader non-read-only set
		}
		out = append(out, p.wrapOne(s))
	}
	return out
}

func (p *Policy) wrapOne(s Spec) Wrapped {
	class := s.Class
	t := s.Tool
	return Wrapped{
		Name:          t.Name(),
		Class:         class,
		NeedsApproval: needsApprovalFor(class),
		Execute: func(ctx context.Context, input json.RawMessage) (Result, error) {
			if class == ClassReadOnly {
				if cached, ok := p.lookup(t.Name(), input); ok {
					return cached, nil
				}
			}
			ctx, cancel := context.WithTimeout(ctx, ExecuteTimeout)
			defer cancel()

			result, err := t.Execute(ctx, input)
			if err != nil {
				return Result{}, fmt.Errorf("tool %s: %w", t.Name(), err)
			}
			if class == ClassReadOnly {
				p.store(t.Name(), input, result)
			}
			return result, nil
		},
	}
}

func needsApprovalFor(class Class) func(json.RawMessage) bool {
	switch class {
	case ClassWrite, ClassCriticalWrite:
		return func(json.RawMessage) bool { return true }
	case ClassAdvancedCompute:
		return func(input json.RawMessage) bool { return len(input) >= ApprovalInputSizeThreshold }
	default:
		return func(json.RawMessage) bool { return false }
	}
}

// cacheKey canonicalizes (tool_name, input) so equivalent calls with
// differently-ordered JSON keys still hit the cache.
func cacheKey(name string, input json.RawMessage) string {
	canonical, err := canonicalizeJSON(input)
	if err != nil {
		canonical = input
	}
	sum := sha256.Sum256(append([]byte(name+":"), canonical...))
	return hex.EncodeToString(sum[:])
}

func canonicalizeJSON(input json.RawMessage) ([]byte, error) {
	if len(input) == 0 {
		return []byte("null"), nil
	}
	var v any
	if err := json.Unmarshal(input, &v); err != nil {
		return nil, err
	}
	return marshalSorted(v)
}

func marshalSorted(v any) ([]byte, error) {
	switch node := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(node))
		for k := range node {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			vb, err := marshalSorted(node[k])
			if err != nil {
				return nil, err
			}
			b.Write(vb)
		}
		b.WriteByte('}')
		return []byte(b.String()), nil
	case []any:
		var b strings.Builder
		b.WriteByte('[')
		for i, e := range node {
			if i > 0 {
				b.WriteByte(',')
			}
			eb, err := marshalSorted(e)
			if err != nil {
				return nil, err
			}
			b.Write(eb)
		}
		b.WriteByte(']')
		return []byte(b.String()), nil
	default:
		return json.Marshal(node)
	}
}

func (p *Policy) lookup(name string, input json.RawMessage) (Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := cacheKey(name, input)
	entry, ok := p.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return Result{}, false
	}
	return entry.result, true
}

func (p *Policy) store(name string, input json.RawMessage, result Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache[cacheKey(name, input)] = cacheEntry{result: result, expiresAt: time.Now().Add(ReadOnlyCacheTTL)}
}
