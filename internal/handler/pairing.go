package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	qrcode "github.com/skip2/go-qrcode"

	"pairsync/internal/middleware"
	"pairsync/internal/model"
	"pairsync/internal/pairing"
)

type PairingHandler struct {
	Controller   *pairing.Controller
	StartLimiter *middleware.Limiter
}

type startBody struct {
	Type string `json:"type"`
}

func (h *PairingHandler) Start(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	subClientID := c.Param("subClientId")
	if subClientID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid sub-client id"})
		return
	}

	var body startBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}
	}

	if h.StartLimiter != nil && !h.StartLimiter.Allow(userID+"|"+subClientID) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
		return
	}

	sess, err := h.Controller.Start(c.Request.Context(), subClientID, body.Type)
	if err != nil {
		if errors.Is(err, pairing.ErrAlreadyLinked) {
			c.JSON(http.StatusConflict, gin.H{"error": "Sub-client already linked", "session": sessionJSON(sess)})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "Pairing service unreachable", "session": sessionJSON(sess)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sessionJSON(sess)})
}

func (h *PairingHandler) Stop(c *gin.Context) {
	if _, ok := middleware.UserIDFromContext(c); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	subClientID := c.Param("subClientId")
	if subClientID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid sub-client id"})
		return
	}

	sess := h.Controller.Stop(c.Request.Context(), subClientID)
	c.JSON(http.StatusOK, gin.H{"session": sessionJSON(sess)})
}

func (h *PairingHandler) Unlink(c *gin.Context) {
	if _, ok := middleware.UserIDFromContext(c); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	subClientID := c.Param("subClientId")
	if subClientID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid sub-client id"})
		return
	}

	sess := h.Controller.Unlink(c.Request.Context(), subClientID)
	c.JSON(http.StatusOK, gin.H{"session": sessionJSON(sess)})
}

func (h *PairingHandler) State(c *gin.Context) {
	if _, ok := middleware.UserIDFromContext(c); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	subClientID := c.Param("subClientId")
	sess, err := h.Controller.GetState(subClientID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Sub-client not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sessionJSON(sess)})
}

func (h *PairingHandler) List(c *gin.Context) {
	if _, ok := middleware.UserIDFromContext(c); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	sessions := h.Controller.List()
	resp := make([]gin.H, 0, len(sessions))
	for _, sess := range sessions {
		resp = append(resp, sessionJSON(sess))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": resp})
}

// QRImage renders the current rotating payload as a scannable PNG. The
// image is only meaningful while a scan is awaited; anything else is a 404
// so the dashboard can fall back to its placeholder.
func (h *PairingHandler) QRImage(c *gin.Context) {
	if _, ok := middleware.UserIDFromContext(c); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	subClientID := c.Param("subClientId")
	sess, err := h.Controller.GetState(subClientID)
	if err != nil || sess.State != model.StateAwaitingScan || sess.QRPayload == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "No QR payload available"})
		return
	}

	png, err := qrcode.Encode(sess.QRPayload, qrcode.Medium, 256)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "QR encode failed"})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}

func sessionJSON(sess model.PairingSession) gin.H {
	var device gin.H
	if sess.Device != nil {
		device = gin.H{
			"phone":       sess.Device.Phone,
			"deviceName":  sess.Device.DeviceName,
			"connectedAt": sess.Device.ConnectedAt,
		}
	}
	return gin.H{
		"id":         sess.ID,
		"state":      string(sess.State),
		"qrPayload":  sess.QRPayload,
		"qrIssuedAt": sess.QRIssuedAt,
		"device":     device,
		"lastError":  sess.LastError,
		"generation": sess.Generation,
		"updatedAt":  sess.UpdatedAt,
	}
}
