package cw

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/JohanCodinha/mspsync/internal/logger"
	"github.com/JohanCodinha/mspsync/internal/metrics"
)

// Query describes one logical collection query.
type Query struct {
	Conditions Cond
	OrderBy    string
	Fields     []string
}

func (q Query) values(page, pageSize int) url.Values {
	v := url.Values{}
	v.Set("page", strconv.Itoa(page))
	v.Set("pageSize", strconv.Itoa(pageSize))
	if cond := Encode(q.Conditions); cond != "" {
		v.Set("conditions", cond)
	}
	if q.OrderBy != "" {
		v.Set("orderBy", q.OrderBy)
	}
	if len(q.Fields) > 0 {
		v.Set("fields", strings.Join(q.Fields, ","))
	}
	return v
}

// FetchAllPages requests successive pages of path, starting at page 1,
// until a page comes back shorter than the page size. Records keep the
// order the API returned them in.
//
// If the first page fails the error is returned. A failure on any later page
// ends the scan: the records gathered so far are returned with a nil error
// and the failure is recorded as a *PageError in c.Warnings.
func FetchAllPages[T any](ctx context.Context, c *Client, path string, q Query) ([]T, error) {
	var all []T
	pageSize := c.pageSize

	for page := 1; ; page++ {
		records, err := fetchPage[T](ctx, c, path, q.values(page, pageSize))
		if err != nil {
			metrics.PageFailures.WithLabelValues(path).Inc()
			if page == 1 {
				return nil, fmt.Errorf("cw: fetching %s: %w", path, err)
			}
			c.addWarning(&PageError{Path: path, Page: page, Fetched: len(all), Err: err})
			return all, nil
		}

		metrics.PagesFetched.WithLabelValues(path).Inc()
		all = append(all, records...)
		logger.Debug("cw: %s page %d returned %d records", path, page, len(records))

		if len(records) < pageSize {
			return all, nil
		}
	}
}

func fetchPage[T any](ctx context.Context, c *Client, path string, query url.Values) ([]T, error) {
	body, err := c.get(ctx, path, query)
	if err != nil {
		return nil, err
	}

	var records []T
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("cw: decoding %s: %w", path, err)
	}
	return records, nil
}
