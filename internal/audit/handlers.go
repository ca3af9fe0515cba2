package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/claudinethelobster/clawfather/internal/pagination"
)

// MaxPageSize caps the audit page size.
const MaxPageSize = 100

// Handler serves the audit listing endpoint.
type Handler struct {
	store Store
}

// NewHandler creates a new audit handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// AccountIDFunc extracts the authenticated account id from the request.
type AccountIDFunc func(c *gin.Context) string

// List handles GET /api/v1/audit with `before` cursor, `action` filter and
// `limit` (≤ 100).
func (h *Handler) List(accountID AccountIDFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		acct := accountID(c)

		limit := 50
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > MaxPageSize {
				c.JSON(http.StatusBadRequest, gin.H{
					"error": gin.H{"code": "validation_error", "message": "limit must be between 1 and 100"},
				})
				return
			}
			limit = n
		}

		var before time.Time
		cursor, err := pagination.ParseBefore(c.Query("before"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{"code": "validation_error", "message": "invalid before cursor"},
			})
			return
		}
		if cursor != nil {
			before = cursor.At
		}

		entries, err := h.store.List(c.Request.Context(), acct, before, c.Query("action"), limit+1)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": gin.H{"code": "internal_error", "message": "failed to list audit entries"},
			})
			return
		}

		page, next, hasMore := pagination.Page(entries, limit, func(e *Entry) (time.Time, string) {
			return e.CreatedAt, e.ID
		})
		if page == nil {
			page = []*Entry{}
		}

		c.JSON(http.StatusOK, gin.H{
			"entries":     page,
			"has_more":    hasMore,
			"next_before": next,
		})
	}
}
