package devserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/TheMichaelB/marksync/internal/events"
	"github.com/TheMichaelB/marksync/internal/models"
	"github.com/TheMichaelB/marksync/internal/payload"
)

type batchRequest struct {
	Operations []json.RawMessage `json:"operations" binding:"required"`
}

// BatchResult reports what happened to one item of a batch.
type BatchResult struct {
	Operation models.OperationType `json:"operation"`
	ID        string               `json:"id"`
	Version   int64                `json:"version"`
}

// batch applies a whole batch or none of it.
func (s *Server) batch(entityType models.EntityType) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.takeFailure(entityType) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"code":    models.ErrCodeServerError,
				"message": "injected failure",
			})
			return
		}

		var req batchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			reject(c, fmt.Sprintf("invalid batch body: %v", err))
			return
		}

		items := make([]payload.Item, 0, len(req.Operations))
		for i, raw := range req.Operations {
			item, err := payload.DecodeItem(entityType, raw)
			if err != nil {
				reject(c, fmt.Sprintf("operation %d: %v", i, err))
				return
			}
			items = append(items, item)
		}

		now := time.Now().UTC()
		results := make([]BatchResult, 0, len(items))

		for _, item := range items {
			id := item.Entity.EntityID()

			if item.Operation == models.OperationDelete {
				s.store.remove(entityType, id)
				results = append(results, BatchResult{Operation: item.Operation, ID: id})
				continue
			}

			if id == "" {
				id = uuid.NewString()
				item.Entity.SetEntityID(id)
			}

			rec := &Record{
				EntityType: entityType,
				ID:         id,
				Version:    item.Entity.RecordVersion(),
				Entity:     item.Entity,
				UpdatedAt:  now,
			}
			s.store.put(rec)
			results = append(results, BatchResult{Operation: item.Operation, ID: id, Version: rec.Version})
		}

		events.FromContext(c.Request.Context()).WithFields(map[string]interface{}{
			"entity_type": entityType,
			"count":       len(results),
		}).Info("Batch applied")

		c.JSON(http.StatusOK, gin.H{"applied": len(results), "results": results})
	}
}

func reject(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": models.ErrCodeRejected, "message": msg})
}
