// Package pagination holds the limit/offset paging convention shared by the
// role-listing client and the sandbox backend.
package pagination

import (
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds pagination parameters.
type Params struct {
	Limit  int
	Offset int
}

// Clamped returns the params with the limit forced into [1, MaxLimit] and a
// non-negative offset.
func (p Params) Clamped() Params {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Apply adds the paging parameters to an outgoing query string.
func (p Params) Apply(q url.Values) {
	p = p.Clamped()
	q.Set("limit", strconv.Itoa(p.Limit))
	q.Set("offset", strconv.Itoa(p.Offset))
}

// FromContext extracts pagination parameters from an echo request context.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	return Params{Limit: limit, Offset: offset}.Clamped()
}

// Response wraps one page of results. The same envelope is produced by the
// backend and decoded by the client.
type Response[T any] struct {
	Data    []T  `json:"data"`
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// NewResponse builds a paged envelope around data. A nil slice is rendered as
// an empty JSON array, never null.
func NewResponse[T any](data []T, total, limit, offset int) *Response[T] {
	if data == nil {
		data = []T{}
	}
	return &Response[T]{
		Data:    data,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+limit < total,
	}
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// NextOffset returns the offset for the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}
