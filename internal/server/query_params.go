package server

import (
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/dunning/pkg/db/pagination"
)

func parseSnowflakeID(value string) (snowflake.ID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, errors.New("invalid_id")
	}
	parsed, err := snowflake.ParseString(trimmed)
	if err != nil || parsed <= 0 {
		return 0, errors.New("invalid_id")
	}
	return parsed, nil
}

// bindPage reads page_size and page_token. The returned limit is the page
// size; callers fetch one extra row to detect more pages.
func bindPage(c *gin.Context) (before snowflake.ID, limit int, err error) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		return 0, 0, bindingError(err)
	}
	before, err = page.Before()
	if err != nil {
		return 0, 0, newValidationError("page_token", "invalid_page_token", "invalid page token")
	}
	return before, page.Limit(), nil
}
