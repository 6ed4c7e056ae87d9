// Package pagerange parses user page selections such as "1, 3-5, 8" into
// ordered zero-based page intervals.
package pagerange

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalid is matched by every error returned from Parse.
var ErrInvalid = errors.New("invalid page range")

// ParseError describes the first token that made an input invalid.
type ParseError struct {
	Token  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid page range %q: %s", e.Token, e.Reason)
}

func (e *ParseError) Is(target error) bool { return target == ErrInvalid }

// Interval is a half-open span [Start, End) of zero-based page indices.
type Interval struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of pages in the interval.
func (iv Interval) Len() int { return iv.End - iv.Start }

// Expression is an ordered list of intervals. Order defines output order and
// repeated intervals repeat their pages.
type Expression []Interval

// Pages returns the number of output pages the expression selects.
func (e Expression) Pages() int {
	n := 0
	for _, iv := range e {
		n += iv.Len()
	}
	return n
}

// PageNumbers expands the expression into 1-based page numbers in output order.
func (e Expression) PageNumbers() []int {
	out := make([]int, 0, e.Pages())
	for _, iv := range e {
		for p := iv.Start; p < iv.End; p++ {
			out = append(out, p+1)
		}
	}
	return out
}

// String renders the expression in 1-based input syntax, e.g. "1-3,5".
func (e Expression) String() string {
	parts := make([]string, 0, len(e))
	for _, iv := range e {
		if iv.Len() == 1 {
			parts = append(parts, strconv.Itoa(iv.End))
			continue
		}
		parts = append(parts, strconv.Itoa(iv.Start+1)+"-"+strconv.Itoa(iv.End))
	}
	return strings.Join(parts, ",")
}

// All selects every page of a document with pageCount pages.
func All(pageCount int) Expression {
	if pageCount <= 0 {
		return Expression{}
	}
	return Expression{{Start: 0, End: pageCount}}
}

// Parse converts text into an Expression for a document with pageCount pages.
// Tokens are single pages "N" or ranges "N-M", separated by commas. Any
// invalid token rejects the whole input.
func Parse(text string, pageCount int) (Expression, error) {
	result := Expression{}
	text = strings.Trim(text, " ,")
	if text == "" {
		return result, nil
	}

	for _, part := range strings.Split(text, ",") {
		token := strings.TrimSpace(part)
		if token == "" {
			continue
		}
		iv, err := parseToken(token, pageCount)
		if err != nil {
			return nil, err
		}
		result = append(result, iv)
	}
	return result, nil
}

func parseToken(token string, pageCount int) (Interval, error) {
	if n, err := strconv.Atoi(token); err == nil {
		if n < 1 || n > pageCount {
			return Interval{}, &ParseError{Token: token, Reason: fmt.Sprintf("page %d outside 1-%d", n, pageCount)}
		}
		return Interval{Start: n - 1, End: n}, nil
	}

	// Only the first hyphen separates; the remainder must be a single integer.
	lo, hi, found := strings.Cut(token, "-")
	if !found {
		return Interval{}, &ParseError{Token: token, Reason: "not a page number or range"}
	}
	from, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return Interval{}, &ParseError{Token: token, Reason: "malformed range start"}
	}
	to, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return Interval{}, &ParseError{Token: token, Reason: "malformed range end"}
	}
	if from < 1 || from > to || to > pageCount {
		return Interval{}, &ParseError{Token: token, Reason: fmt.Sprintf("range %d-%d outside 1-%d", from, to, pageCount)}
	}
	return Interval{Start: from - 1, End: to}, nil
}

// FormatCount renders a page count for display: "1 page", "0 pages", "7 pages".
func FormatCount(count int) string {
	word := "pages"
	if count == 1 {
		word = "page"
	}
	return fmt.Sprintf("%d %s", count, word)
}
