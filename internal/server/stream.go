package server

import (
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/petitions/backend/internal/petitions"
	"github.com/gin-gonic/gin"
)

type realtimeEventPayload struct {
	PetitionID   int64     `json:"petition_id"`
	CurrentCount int64     `json:"current_count,omitempty"`
	Kind         string    `json:"kind,omitempty"`
	Source       string    `json:"source"`
	Timestamp    time.Time `json:"timestamp"`
}

// handlePetitionStream streams count and change events for one published petition.
// The first event is a snapshot of the current count.
func (h *httpHandler) handlePetitionStream(c *gin.Context) {
	ctx := c.Request.Context()
	petitionID, err := h.resolvePetitionID(ctx, c.Param("ref"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	petition, err := h.petitions.Get(ctx, petitionID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	messages, cleanup := h.realtime.Subscribe(ctx, petitionID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header(headerCacheControl, "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.SSEvent(RealtimeEventSignatureCount, realtimeEventPayload{
		PetitionID:   petition.ID,
		CurrentCount: petition.CurrentCount,
		Source:       realtimeSourceBackend,
		Timestamp:    h.clock().UTC(),
	})
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-messages:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, newRealtimeEventPayload(message))
			return message.ChangeKind != petitions.ChangeDeleted
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, realtimeEventPayload{
				PetitionID: petitionID,
				Source:     realtimeSourceBackend,
				Timestamp:  h.clock().UTC(),
			})
			return true
		}
	})
}

func newRealtimeEventPayload(message RealtimeMessage) realtimeEventPayload {
	return realtimeEventPayload{
		PetitionID:   message.PetitionID,
		CurrentCount: message.CurrentCount,
		Kind:         string(message.ChangeKind),
		Source:       realtimeSourceBackend,
		Timestamp:    message.Timestamp,
	}
}
