package api

import (
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/macawsecurity/secureAI/store"
)

// GetAuditEvents queries the audit trail.
// GET /v1/audit/events?agent_id=&invocation_id=&after_ts=&types=&limit=
func (h *Handler) GetAuditEvents(c echo.Context) error {
	ctx := c.Request().Context()

	filter := store.EventFilter{
		AgentID:      c.QueryParam("agent_id"),
		InvocationID: c.QueryParam("invocation_id"),
	}
	if v := c.QueryParam("after_ts"); v != "" {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "after_ts must be an integer"})
		}
		filter.AfterTs = ts
	}
	if v := c.QueryParam("types"); v != "" {
		filter.Types = strings.Split(v, ",")
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
		}
		filter.Limit = n
	}

	events, err := h.store.GetEvents(ctx, filter)
	if err != nil {
		log.Printf("ERROR: failed to query audit events: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to query audit events"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"events": events,
	})
}
