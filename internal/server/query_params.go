package server

import (
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func parseIDParam(c *gin.Context, name string) (snowflake.ID, error) {
	raw := strings.TrimSpace(c.Param(name))
	id, err := snowflake.ParseString(raw)
	if err != nil || id <= 0 {
		return 0, newValidationError(name, "invalid_"+name, "invalid "+name)
	}
	return id, nil
}

func parseLimit(value string) (int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultListLimit, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil || parsed <= 0 {
		return 0, newValidationError("limit", "invalid_limit", "limit must be a positive integer")
	}
	if parsed > maxListLimit {
		parsed = maxListLimit
	}
	return parsed, nil
}
