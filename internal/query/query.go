package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/j6k4m8/jque/internal/models"
)

// ErrUnknownOperator is returned when a filter uses a $-key that is not a
// recognized operator.
var ErrUnknownOperator = errors.New("unknown operator")

// ErrBadOperand is returned when an operator's operand has the wrong shape
// (e.g. $in without an array).
var ErrBadOperand = errors.New("invalid operand")

// Filter maps field names to qualifiers. A qualifier is a literal value
// (implicit equality), an operator map like {"$gte": 10, "$lt": 20}, or a
// Predicate for programmatic use.
type Filter map[string]any

// Predicate is a caller-supplied test applied to a field value. Predicates
// cannot arrive over the wire; they exist for in-process library use.
type Predicate func(value any) bool

// fieldTest is one compiled check against a single field.
type fieldTest struct {
	op      opFunc
	operand any
}

// fieldMatcher holds all compiled checks for one field. Exactly one of
// tests, pred, or literal semantics applies.
type fieldMatcher struct {
	field      string
	tests      []fieldTest
	pred       Predicate
	literal    any
	hasLiteral bool
}

// Matcher is a compiled filter. A Matcher is immutable and safe for
// concurrent use.
type Matcher struct {
	fields []fieldMatcher
}

// Compile validates a filter and compiles it into a Matcher. Operator maps
// are checked for unknown operators and malformed operands so execution is
// infallible.
func Compile(filter Filter) (*Matcher, error) {
	m := &Matcher{fields: make([]fieldMatcher, 0, len(filter))}
	for field, qual := range filter {
		fm := fieldMatcher{field: field}
		switch q := qual.(type) {
		case map[string]any:
			fm.tests = make([]fieldTest, 0, len(q))
			for op, operand := range q {
				fn, ok := operators[op]
				if !ok {
					return nil, fmt.Errorf("%w: %q in field %q", ErrUnknownOperator, op, field)
				}
				if err := validateOperand(op, operand); err != nil {
					return nil, fmt.Errorf("field %q: %w", field, err)
				}
				fm.tests = append(fm.tests, fieldTest{op: fn, operand: operand})
			}
		case Predicate:
			fm.pred = q
		case func(any) bool:
			fm.pred = q
		default:
			fm.literal = qual
			fm.hasLiteral = true
		}
		m.fields = append(m.fields, fm)
	}
	return m, nil
}

// MustCompile is Compile but panics on error. For tests and static filters.
func MustCompile(filter Filter) *Matcher {
	m, err := Compile(filter)
	if err != nil {
		panic(err)
	}
	return m
}

// Matches reports whether doc satisfies every field qualifier. A document
// missing a filtered field does not match.
func (m *Matcher) Matches(doc models.Document) bool {
	for i := range m.fields {
		fm := &m.fields[i]
		value, ok := doc[fm.field]
		if !ok {
			return false
		}
		switch {
		case fm.pred != nil:
			if !fm.pred(value) {
				return false
			}
		case fm.hasLiteral:
			if !equal(value, fm.literal) {
				return false
			}
		default:
			for _, t := range fm.tests {
				if !t.op(value, t.operand) {
					return false
				}
			}
		}
	}
	return true
}

// Stats reports work done by a single query run.
type Stats struct {
	Scanned int
	Matched int
}

// Options controls query execution. Limit 0 means unlimited. Parallel runs
// matching across Workers goroutines; Workers <= 0 falls back to sequential.
type Options struct {
	Limit    int
	Parallel bool
	Workers  int
}

// cancelCheckStride is how many documents are scanned between context checks.
// Large enough that the check is free, small enough that a cancelled request
// stops a big scan promptly.
const cancelCheckStride = 1024

// Run filters docs through the matcher. The sequential path stops scanning
// once Limit matches are found; the parallel path scans everything and
// truncates afterwards, keeping results in input order either way. Scans
// observe ctx and return its error when it is cancelled mid-run.
func Run(ctx context.Context, docs []models.Document, m *Matcher, opts Options) ([]models.Document, Stats, error) {
	if opts.Parallel && opts.Workers > 1 {
		return runParallel(ctx, docs, m, opts)
	}
	out := make([]models.Document, 0)
	stats := Stats{}
	for _, doc := range docs {
		if stats.Scanned%cancelCheckStride == 0 {
			if err := ctx.Err(); err != nil {
				return nil, stats, err
			}
		}
		stats.Scanned++
		if m.Matches(doc) {
			out = append(out, doc)
			stats.Matched++
			if opts.Limit > 0 && stats.Matched >= opts.Limit {
				break
			}
		}
	}
	return out, stats, nil
}
