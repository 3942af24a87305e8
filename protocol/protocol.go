// Package protocol reads b-value files and derives the channel and shell
// counts that shape the rest of the pipeline.
package protocol

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"dry/errs"
)

// Protocol is an ordered, immutable set of b-values, one per acquisition.
type Protocol struct {
	source  string
	bvals   []float64
	shells  int
	uniques []float64
}

// New builds a Protocol from b-values already in memory.
func New(bvals []float64) (*Protocol, error) {
	return build("", bvals)
}

// Load parses the b-value file at path.
func Load(path string) (*Protocol, error) {
	if path == "" {
		return nil, errs.Protocol("", "no b-value file given", nil)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Protocol(path, "opening b-value file", err)
	}
	defer f.Close()
	return parse(path, f)
}

// Parse reads whitespace-delimited b-values from r.
func Parse(r io.Reader) (*Protocol, error) {
	return parse("", r)
}

func parse(source string, r io.Reader) (*Protocol, error) {
	if r == nil {
		return nil, errs.Protocol(source, "no b-value source", nil)
	}
	sc := bufio.NewScanner(r)
	sc.Split(bufio.ScanWords)
	var bvals []float64
	for sc.Scan() {
		tok := sc.Text()
		b, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil, errs.Protocol(source, fmt.Sprintf("token %d (%q) is not a number", len(bvals)+1, tok), nil)
		}
		bvals = append(bvals, b)
	}
	if err := sc.Err(); err != nil {
		return nil, errs.Protocol(source, "reading b-values", err)
	}
	return build(source, bvals)
}

func build(source string, bvals []float64) (*Protocol, error) {
	if len(bvals) == 0 {
		return nil, errs.Protocol(source, "no b-values", nil)
	}
	seen := make(map[float64]struct{}, len(bvals))
	var uniques []float64
	for i, b := range bvals {
		if math.IsNaN(b) || math.IsInf(b, 0) || b < 0 {
			return nil, errs.Protocol(source, fmt.Sprintf("b-value %d is %v", i+1, b), nil)
		}
		if _, ok := seen[b]; !ok {
			seen[b] = struct{}{}
			uniques = append(uniques, b)
		}
	}
	sort.Float64s(uniques)
	return &Protocol{
		source:  source,
		bvals:   append([]float64(nil), bvals...),
		shells:  len(uniques),
		uniques: uniques,
	}, nil
}

// Channels is the number of acquisitions (b-values).
func (p *Protocol) Channels() int { return len(p.bvals) }

// Shells is the number of distinct b-values, b=0 included.
func (p *Protocol) Shells() int { return p.shells }

// BValues returns a copy of the b-values in acquisition order.
func (p *Protocol) BValues() []float64 { return append([]float64(nil), p.bvals...) }

// BValue returns the b-value of channel i.
func (p *Protocol) BValue(i int) float64 { return p.bvals[i] }

// IsBaseline reports whether channel i is unweighted (b=0).
func (p *Protocol) IsBaseline(i int) bool { return p.bvals[i] == 0 }

// Unique returns the distinct b-values in ascending order.
func (p *Protocol) Unique() []float64 { return append([]float64(nil), p.uniques...) }

// Source is the file the protocol was read from, if any.
func (p *Protocol) Source() string { return p.source }

func (p *Protocol) String() string {
	parts := make([]string, len(p.bvals))
	for i, b := range p.bvals {
		parts[i] = strconv.FormatFloat(b, 'g', -1, 64)
	}
	return fmt.Sprintf("%d channels, %d shells [%s]", p.Channels(), p.Shells(), strings.Join(parts, " "))
}
