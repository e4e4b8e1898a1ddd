package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"geoattend/internal/model"
	"geoattend/internal/verify"
)

// verifyRequest carries what the student's device collected: the payloads
// its camera decoded in scan order, one face frame and one position fix.
type verifyRequest struct {
	Payload  string          `json:"payload"`
	Payloads []string        `json:"payloads"`
	Frame    string          `json:"frame"`
	Location *model.Location `json:"location"`
}

// VerifyAttendance runs the verification flow for the calling student.
func (h *Handler) VerifyAttendance(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	payloads := req.Payloads
	if req.Payload != "" {
		payloads = append(payloads, req.Payload)
	}

	var frame verify.Frame
	if req.Frame != "" {
		data, err := decodeImage(req.Frame)
		if err != nil {
			badRequest(c, err)
			return
		}
		frame = data
	}

	out, err := h.Verifier.Verify(c.Request.Context(), identity(c), verify.Sources{
		Scanner:  verify.NewPayloadList(payloads...),
		Frames:   frame,
		Location: verify.Fix{Loc: req.Location},
	})
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.fail(c, err)
			return
		}
		c.JSON(status, gin.H{"error": out.Reason, "kind": out.Kind, "outcome": out})
		return
	}
	c.JSON(http.StatusCreated, out)
}
