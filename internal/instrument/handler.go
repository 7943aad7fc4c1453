package instrument

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"dataguard/internal/store"
)

const eventSelect = "SELECT id, trace_id, span_id, parent_span_id, event_type, source, component, action, resource, user_id, duration_ms, status, metadata, created_at FROM _access_events"

// EventHandler exposes admin endpoints for querying access events.
type EventHandler struct {
	db      *sql.DB
	dialect store.Dialect
}

func NewEventHandler(db *sql.DB, dialect store.Dialect) *EventHandler {
	return &EventHandler{db: db, dialect: dialect}
}

// filterableColumns maps query parameters to columns compared by equality.
var filterableColumns = []string{"event_type", "source", "component", "action", "resource", "user_id", "status", "trace_id"}

func (h *EventHandler) where(c *fiber.Ctx, pb store.ParamBuilder) string {
	var conditions []string
	for _, col := range filterableColumns {
		if v := c.Query(col); v != "" {
			conditions = append(conditions, fmt.Sprintf("%s = %s", col, pb.Add(v)))
		}
	}
	if v := c.Query("from"); v != "" {
		conditions = append(conditions, fmt.Sprintf("created_at >= %s", pb.Add(v)))
	}
	if v := c.Query("to"); v != "" {
		conditions = append(conditions, fmt.Sprintf("created_at <= %s", pb.Add(v)))
	}
	if len(conditions) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conditions, " AND ")
}

// List handles GET /_admin/events, filtered by the query parameters.
func (h *EventHandler) List(c *fiber.Ctx) error {
	ctx := c.UserContext()

	pb := h.dialect.NewParamBuilder()
	whereClause := h.where(c, pb)

	page, _ := strconv.Atoi(c.Query("page", "1"))
	if page < 1 {
		page = 1
	}
	perPage, _ := strconv.Atoi(c.Query("per_page", "50"))
	if perPage < 1 {
		perPage = 50
	}
	if perPage > 100 {
		perPage = 100
	}
	offset := (page - 1) * perPage

	orderBy := "created_at DESC"
	if c.Query("sort") == "created_at" {
		orderBy = "created_at ASC"
	}

	countRow, err := store.QueryRow(ctx, h.db, "SELECT COUNT(*) as count FROM _access_events"+whereClause, pb.Params()...)
	if err != nil {
		return fmt.Errorf("count events: %w", err)
	}
	total := toInt(countRow["count"])

	limitPh := pb.Add(perPage)
	offsetPh := pb.Add(offset)
	dataSQL := fmt.Sprintf("%s%s ORDER BY %s LIMIT %s OFFSET %s", eventSelect, whereClause, orderBy, limitPh, offsetPh)
	rows, err := store.QueryRows(ctx, h.db, dataSQL, pb.Params()...)
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}

	return c.JSON(fiber.Map{
		"data": rows,
		"pagination": fiber.Map{
			"page":     page,
			"per_page": perPage,
			"total":    total,
		},
	})
}

// GetTrace handles GET /_admin/events/trace/:traceId and returns every event of one trace.
func (h *EventHandler) GetTrace(c *fiber.Ctx) error {
	traceID := c.Params("traceId")
	rows, err := store.QueryRows(c.UserContext(), h.db,
		fmt.Sprintf("%s WHERE trace_id = %s ORDER BY created_at ASC", eventSelect, h.dialect.Placeholder(1)),
		traceID,
	)
	if err != nil {
		return fmt.Errorf("get trace: %w", err)
	}
	if len(rows) == 0 {
		return c.Status(404).JSON(fiber.Map{"error": fiber.Map{"code": "NOT_FOUND", "message": "Trace not found: " + traceID}})
	}

	var root map[string]any
	for _, row := range rows {
		if row["parent_span_id"] == nil {
			root = row
			break
		}
	}
	if root == nil {
		root = rows[0]
	}

	return c.JSON(fiber.Map{
		"data": fiber.Map{
			"trace_id":          traceID,
			"root_span":         root,
			"spans":             rows,
			"total_duration_ms": root["duration_ms"],
		},
	})
}

// GetStats handles GET /_admin/events/stats: decision counts per resource
// and action for access events.
func (h *EventHandler) GetStats(c *fiber.Ctx) error {
	pb := h.dialect.NewParamBuilder()
	conditions := []string{fmt.Sprintf("event_type = %s", pb.Add(EventTypeAccess))}
	if v := c.Query("from"); v != "" {
		conditions = append(conditions, fmt.Sprintf("created_at >= %s", pb.Add(v)))
	}
	if v := c.Query("to"); v != "" {
		conditions = append(conditions, fmt.Sprintf("created_at <= %s", pb.Add(v)))
	}

	sqlStr := fmt.Sprintf(
		`SELECT resource, action, status, COUNT(*) as count FROM _access_events WHERE %s GROUP BY resource, action, status ORDER BY count DESC`,
		strings.Join(conditions, " AND "),
	)
	rows, err := store.QueryRows(c.UserContext(), h.db, sqlStr, pb.Params()...)
	if err != nil {
		return fmt.Errorf("event stats: %w", err)
	}

	total, denied := 0, 0
	byResource := make([]fiber.Map, 0, len(rows))
	for _, row := range rows {
		n := toInt(row["count"])
		total += n
		if row["status"] == "denied" {
			denied += n
		}
		byResource = append(byResource, fiber.Map{
			"resource": row["resource"],
			"action":   row["action"],
			"status":   row["status"],
			"count":    n,
		})
	}

	var denyRate float64
	if total > 0 {
		denyRate = float64(denied) / float64(total)
	}

	return c.JSON(fiber.Map{
		"data": fiber.Map{
			"total_decisions": total,
			"denied":          denied,
			"deny_rate":       denyRate,
			"by_resource":     byResource,
		},
	})
}

// toInt converts the numeric types drivers return for COUNT(*) to int.
func toInt(v any) int {
	switch val := v.(type) {
	case int:
		return val
	case int32:
		return int(val)
	case int64:
		return int(val)
	case float64:
		return int(val)
	case string:
		n, _ := strconv.Atoi(val)
		return n
	default:
		return 0
	}
}
