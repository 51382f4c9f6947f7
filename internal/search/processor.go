package search

import (
	"fmt"
	"strings"

	"github.com/hyperjump/kenkyu/internal/models"
)

// ProcessQuery trims the query and rejects it when nothing is left.
func ProcessQuery(query string) (string, error) {
	q := strings.Join(strings.Fields(query), " ")
	if q == "" {
		return "", fmt.Errorf("%w: empty query", models.ErrInvalidArgument)
	}
	return q, nil
}
