// Package api serves the latest rendered subscriptions and run history over HTTP.
package api

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

func writeInvalidArgument(c *gin.Context, message string) {
	writeError(c, http.StatusBadRequest, "INVALID_ARGUMENT", message)
}

// PageResponse is the standard list envelope for paginated endpoints.
type PageResponse[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func writePage[T any](c *gin.Context, allItems []T, p Pagination) {
	c.JSON(http.StatusOK, PageResponse[T]{
		Items:  paginateSlice(allItems, p),
		Total:  len(allItems),
		Limit:  p.Limit,
		Offset: p.Offset,
	})
}

// --- Pagination ---

const (
	defaultPageLimit = 50
	maxPageLimit     = 10000
)

// Pagination holds parsed limit/offset values.
type Pagination struct {
	Limit  int
	Offset int
}

// ParsePagination reads limit and offset from query parameters.
func ParsePagination(c *gin.Context) (Pagination, error) {
	p := Pagination{Limit: defaultPageLimit}

	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return p, fmt.Errorf("limit: must be a non-negative integer")
		}
		if n > maxPageLimit {
			return p, fmt.Errorf("limit: must be <= %d", maxPageLimit)
		}
		if n > 0 {
			p.Limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return p, fmt.Errorf("offset: must be a non-negative integer")
		}
		p.Offset = n
	}
	return p, nil
}

func paginateSlice[T any](items []T, p Pagination) []T {
	if p.Offset >= len(items) {
		return []T{}
	}
	end := p.Offset + p.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[p.Offset:end]
}

// --- Sorting ---

// Sorting holds parsed sort_by and sort_order values.
type Sorting struct {
	SortBy    string
	SortOrder string // "asc" or "desc"
}

// ParseSorting reads sort_by and sort_order, restricted to allowed fields.
func ParseSorting(c *gin.Context, allowed []string, defaultField, defaultOrder string) (Sorting, error) {
	s := Sorting{SortBy: defaultField, SortOrder: defaultOrder}
	if v := c.Query("sort_by"); v != "" {
		found := false
		for _, a := range allowed {
			if v == a {
				found = true
				break
			}
		}
		if !found {
			return s, fmt.Errorf("sort_by: must be one of %s", strings.Join(allowed, ", "))
		}
		s.SortBy = v
	}
	if v := c.Query("sort_order"); v != "" {
		v = strings.ToLower(v)
		if v != "asc" && v != "desc" {
			return s, fmt.Errorf("sort_order: must be asc or desc")
		}
		s.SortOrder = v
	}
	return s, nil
}

// sortSlice stably sorts items by less, reversed for descending order.
func sortSlice[T any](items []T, order string, less func(a, b T) bool) {
	sort.SliceStable(items, func(i, j int) bool {
		if order == "desc" {
			return less(items[j], items[i])
		}
		return less(items[i], items[j])
	})
}
